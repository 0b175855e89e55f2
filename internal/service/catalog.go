package service

import (
	"fmt"
	"sort"

	"github.com/qs3c/dream_entitlement_server/config"
	"github.com/qs3c/dream_entitlement_server/internal/model/dto"
)

// Catalog 商品到套餐的映射
type Catalog struct {
	products map[string]config.ProductConfig
	prices   map[string]config.ProductConfig
	ranks    map[string]int
}

func NewCatalog(cfg config.EntitlementConfig) *Catalog {
	c := &Catalog{
		products: make(map[string]config.ProductConfig, len(cfg.Products)),
		prices:   make(map[string]config.ProductConfig, len(cfg.Products)),
		ranks:    make(map[string]int, len(cfg.Tiers)),
	}
	for i, tier := range cfg.Tiers {
		c.ranks[tier] = i + 1
	}
	for _, p := range cfg.Products {
		if p.PriceID == "" {
			p.PriceID = p.ProductID
		}
		c.products[p.ProductID] = p
		c.prices[p.PriceID] = p
	}
	return c
}

func (c *Catalog) Lookup(productID string) (config.ProductConfig, bool) {
	p, ok := c.products[productID]
	return p, ok
}

func (c *Catalog) LookupPrice(priceID string) (config.ProductConfig, bool) {
	p, ok := c.prices[priceID]
	return p, ok
}

// Rank 未列出的套餐排名为 0
func (c *Catalog) Rank(tier string) int {
	return c.ranks[tier]
}

// Selection 选中的权益及其套餐
type Selection struct {
	Key     string
	Detail  dto.EntitlementDetail
	Product config.ProductConfig
}

// Select 从多个生效权益中确定唯一一个：
// 套餐等级最高优先，其次购买时间最晚，最后按权益标识排序
func (c *Catalog) Select(active map[string]dto.EntitlementDetail) (*Selection, error) {
	keys := make([]string, 0, len(active))
	for k := range active {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var best *Selection
	var unknown []string
	for _, k := range keys {
		detail := active[k]
		if !detail.Active() {
			continue
		}
		product, ok := c.Lookup(detail.ProductIdentifier)
		if !ok {
			unknown = append(unknown, detail.ProductIdentifier)
			continue
		}
		cand := &Selection{Key: k, Detail: detail, Product: product}
		if best == nil || c.better(cand, best) {
			best = cand
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownProduct, unknown)
	}
	return best, nil
}

func (c *Catalog) better(a, b *Selection) bool {
	ra, rb := c.Rank(a.Product.Tier), c.Rank(b.Product.Tier)
	if ra != rb {
		return ra > rb
	}
	if !a.Detail.PurchaseDate.Equal(b.Detail.PurchaseDate) {
		return a.Detail.PurchaseDate.After(b.Detail.PurchaseDate)
	}
	// keys 已排序，相同时保留先出现的
	return false
}
