package caching

import (
	"fmt"

	"github.com/palpo-server/palpo/internal/eventcore"
)

// ServerKeyCache is the lookup surface the keyring uses in front of its
// durable store.
type ServerKeyCache interface {
	// GetServerKey returns the cached key for (server, keyID) when it can
	// verify an event at atTS (unix-ms; 0 means "current").
	GetServerKey(server eventcore.ServerName, keyID eventcore.KeyID, atTS int64) (entry ServerKeyEntry, ok bool)
	StoreServerKey(server eventcore.ServerName, keyID eventcore.KeyID, entry ServerKeyEntry)
}

func serverKeyCacheKey(server eventcore.ServerName, keyID eventcore.KeyID) string {
	return fmt.Sprintf("%s/%s", server, keyID)
}

func (c Caches) GetServerKey(server eventcore.ServerName, keyID eventcore.KeyID, atTS int64) (ServerKeyEntry, bool) {
	entry, ok := c.ServerKeys.Get(serverKeyCacheKey(server, keyID))
	if !ok || !entry.Valid(atTS) {
		return ServerKeyEntry{}, false
	}
	return entry, true
}

func (c Caches) StoreServerKey(server eventcore.ServerName, keyID eventcore.KeyID, entry ServerKeyEntry) {
	c.ServerKeys.Set(serverKeyCacheKey(server, keyID), entry)
}
