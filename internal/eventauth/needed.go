package eventauth

import "encoding/json"

// StateNeeded describes which state a new event of some type needs present
// before it can be auth-checked or built, broken out by state slot rather
// than as a flat tuple list so callers that map string state keys to
// numeric NIDs (roomserver/state) can do that translation themselves.
type StateNeeded struct {
	Create           bool
	PowerLevels      bool
	JoinRules        bool
	Member           []string
	ThirdPartyInvite []string
}

// StateNeededForEventBuilder determines the state needed to auth a new
// event of the given type/state_key/sender, the same selection
// AuthEventsForBuilder makes, but shaped for callers that resolve NIDs
// from state keys themselves (spec.md 3, state compressor).
func StateNeededForEventBuilder(eventType string, stateKey *string, sender string, content json.RawMessage) StateNeeded {
	if eventType == "m.room.create" {
		return StateNeeded{}
	}
	needed := StateNeeded{
		Create:      true,
		PowerLevels: true,
		Member:      []string{sender},
	}
	if eventType == "m.room.member" && stateKey != nil {
		var membershipContent struct {
			ThirdPartyInvite *struct {
				Signed struct {
					Token string `json:"token"`
				} `json:"signed"`
			} `json:"third_party_invite"`
		}
		_ = json.Unmarshal(content, &membershipContent)
		needed.JoinRules = true
		needed.Member = append(needed.Member, *stateKey)
		if membershipContent.ThirdPartyInvite != nil {
			needed.ThirdPartyInvite = append(needed.ThirdPartyInvite, membershipContent.ThirdPartyInvite.Signed.Token)
		}
	}
	return needed
}
