// Package proxy implements the caching reverse-proxy handler: GET requests are
// answered from the disk cache when present, otherwise forwarded upstream and
// teed into the cache while the response streams to the client.
package proxy
