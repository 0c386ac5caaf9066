// Package server hosts the Fiber HTTP service, the request middleware chain and
// the upstream route derived from config. It exposes the router constructor and
// the shared upstream http.Client that main and the proxy package reuse. Keep
// exports narrow and accept explicit dependencies.
package server
