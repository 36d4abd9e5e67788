package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/folio-edge/folio-cache/internal/bgsync"
	"github.com/folio-edge/folio-cache/internal/platform"
	"github.com/folio-edge/folio-cache/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供 SRE 查询站点版本、分区与后台同步状态。
func RegisterSiteRoutes(app *fiber.App, fleet *platform.Fleet) {
	if app == nil || fleet == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		controllers := fleet.List()
		sites := make([]sitePayload, 0, len(controllers))
		for _, ctrl := range controllers {
			sites = append(sites, encodeSite(ctrl.Status()))
		}
		return c.JSON(fiber.Map{
			"sites":         sites,
			"sync_handlers": syncHandlers(),
		})
	})

	app.Get("/-/sites/:name/partitions", func(c fiber.Ctx) error {
		ctrl, ok := lookupSite(c, fleet)
		if !ok {
			return siteNotFound(c)
		}
		partitions, err := ctrl.Partitions(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "partitions_unavailable",
				"message": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"site":       ctrl.Site().Name,
			"partitions": partitions,
		})
	})

	app.Post("/-/sites/:name/sync/:tag", func(c fiber.Ctx) error {
		ctrl, ok := lookupSite(c, fleet)
		if !ok {
			return siteNotFound(c)
		}
		tag := strings.TrimSpace(c.Params("tag"))
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_tag_required"})
		}
		err := ctrl.RequestSync(c.Context(), tag)
		if errors.Is(err, worker.ErrNotActive) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "site_not_active"})
		}
		// handler 失败时 tag 保留在队列里，等下一次探测重试。
		payload := fiber.Map{
			"site":    ctrl.Site().Name,
			"tag":     tag,
			"pending": ctrl.PendingSync(),
		}
		if err != nil {
			payload["message"] = err.Error()
		}
		return c.Status(fiber.StatusAccepted).JSON(payload)
	})

	app.Post("/-/sites/:name/deploy", func(c fiber.Ctx) error {
		ctrl, ok := lookupSite(c, fleet)
		if !ok {
			return siteNotFound(c)
		}
		if err := ctrl.Deploy(c.Context(), ctrl.Site()); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "deploy_failed",
				"message": err.Error(),
				"site":    encodeSite(ctrl.Status()),
			})
		}
		return c.JSON(encodeSite(ctrl.Status()))
	})
}

type sitePayload struct {
	platform.Status
	Strategies []strategyPayload `json:"strategies"`
}

type strategyPayload struct {
	Class     string `json:"class"`
	Strategy  string `json:"strategy"`
	Partition string `json:"partition,omitempty"`
}

type syncHandlerPayload struct {
	Tag    string `json:"tag"`
	Status string `json:"status"`
}

// encodeSite 始终输出完整的分类策略表；未激活时分区为空。
func encodeSite(status platform.Status) sitePayload {
	partitions := make(map[worker.Class]string, len(status.Bindings))
	for _, binding := range status.Bindings {
		partitions[binding.Class] = binding.Partition
	}
	classes := []worker.Class{worker.ClassStatic, worker.ClassDocument, worker.ClassAPI}
	strategies := make([]strategyPayload, 0, len(classes))
	for _, class := range classes {
		strategies = append(strategies, strategyPayload{
			Class:     string(class),
			Strategy:  string(worker.StrategyFor(class)),
			Partition: partitions[class],
		})
	}
	status.Bindings = nil
	return sitePayload{Status: status, Strategies: strategies}
}

func syncHandlers() []syncHandlerPayload {
	tags := bgsync.Tags()
	result := make([]syncHandlerPayload, 0, len(tags))
	for _, tag := range tags {
		result = append(result, syncHandlerPayload{Tag: tag, Status: bgsync.Status(tag)})
	}
	return result
}

func lookupSite(c fiber.Ctx, fleet *platform.Fleet) (*platform.Controller, bool) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, false
	}
	return fleet.Lookup(name)
}

func siteNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
}
