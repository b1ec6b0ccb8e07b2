package caching

import (
	"github.com/palpo-server/palpo/internal/eventcore"
)

// FederationCache holds outbound queue payloads in RAM so the sender only
// touches the durable queue tables when a destination is backing off.
type FederationCache interface {
	GetFederationQueuedPDU(eventSN int64) (event *eventcore.PDU, ok bool)
	StoreFederationQueuedPDU(eventSN int64, event *eventcore.PDU)
	EvictFederationQueuedPDU(eventSN int64)

	GetFederationQueuedEDU(eduNID int64) (event []byte, ok bool)
	StoreFederationQueuedEDU(eduNID int64, event []byte)
	EvictFederationQueuedEDU(eduNID int64)
}

func (c Caches) GetFederationQueuedPDU(eventSN int64) (*eventcore.PDU, bool) {
	return c.FederationPDUs.Get(eventSN)
}

func (c Caches) StoreFederationQueuedPDU(eventSN int64, event *eventcore.PDU) {
	c.FederationPDUs.Set(eventSN, event)
}

func (c Caches) EvictFederationQueuedPDU(eventSN int64) {
	c.FederationPDUs.Unset(eventSN)
}

func (c Caches) GetFederationQueuedEDU(eduNID int64) ([]byte, bool) {
	return c.FederationEDUs.Get(eduNID)
}

func (c Caches) StoreFederationQueuedEDU(eduNID int64, event []byte) {
	c.FederationEDUs.Set(eduNID, event)
}

func (c Caches) EvictFederationQueuedEDU(eduNID int64) {
	c.FederationEDUs.Unset(eduNID)
}
