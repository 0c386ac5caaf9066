package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/proxycache/internal/cache"
)

// Inspector 是诊断接口所需的最小缓存视图，*cache.Cache 满足该接口。
type Inspector interface {
	Stats() cache.Stats
	Keys() []string
}

// RegisterCacheRoutes 暴露 /-/ 诊断接口，供 SRE 查询缓存容量与当前键集合。
func RegisterCacheRoutes(app *fiber.App, inspector Inspector) {
	if app == nil || inspector == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(inspector.Stats())
	})

	app.Get("/-/cache/keys", func(c fiber.Ctx) error {
		keys := filterKeys(inspector.Keys(), c.Query("prefix"))
		return c.JSON(keysPayload{Keys: keys, Count: len(keys)})
	})
}

type keysPayload struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// filterKeys 按前缀过滤并排序，空结果返回空切片而不是 null。
func filterKeys(keys []string, prefix string) []string {
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	}
	sort.Strings(result)
	return result
}
