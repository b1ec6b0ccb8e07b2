package caching

import (
	"strconv"
	"strings"
)

// AuthChainCache is the RAM tier in front of the durable auth-chain cache
// rows (spec.md 4.4): keyed by the sorted sequence numbers of one bucket of
// starting events.
type AuthChainCache interface {
	GetAuthChain(key []int64) (chain []int64, ok bool)
	StoreAuthChain(key []int64, chain []int64)
}

// AuthChainCacheKey renders a sorted bucket of starting sns as the cache
// key shared by the RAM and durable tiers.
func AuthChainCacheKey(sorted []int64) string {
	var b strings.Builder
	for i, sn := range sorted {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(sn, 10))
	}
	return b.String()
}

func (c Caches) GetAuthChain(key []int64) ([]int64, bool) {
	return c.AuthChains.Get(AuthChainCacheKey(key))
}

func (c Caches) StoreAuthChain(key []int64, chain []int64) {
	c.AuthChains.Set(AuthChainCacheKey(key), chain)
}
