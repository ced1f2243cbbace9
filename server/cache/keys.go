package cache

import "fmt"

// Key builders for the convoy namespace. Everything hot lives under
// convoy:* so an operator can inspect or flush the whole surface at once.
//
//	convoy:journeys:{jid}:seq                per-journey sequence counter
//	convoy:journeys:{jid}:roster             set of streaming participant ids
//	convoy:journeys:{jid}:room               set of live connection ids
//	convoy:journeys:{jid}:leader             leader user id
//	convoy:journeys:{jid}:loc:{uid}          hot location, 5m TTL
//	convoy:journeys:{jid}:cursor:{uid}       last acked sequence
//	convoy:journeys:{jid}:pending:{uid}      pending HIGH envelopes, 1h TTL
//	convoy:journeys:active                   set of ACTIVE journey ids
//	convoy:conns:{cid}                       connection id -> user id
//	convoy:ratelimit:{uid}:{window}          per-user write counter
//	convoy:locks:{name}                      serialization keys (SETNX)

func journeyKey(journeyID, suffix string) string {
	return fmt.Sprintf("convoy:journeys:%s:%s", journeyID, suffix)
}

func SequenceKey(journeyID string) string { return journeyKey(journeyID, "seq") }

func RosterKey(journeyID string) string { return journeyKey(journeyID, "roster") }

func RoomKey(journeyID string) string { return journeyKey(journeyID, "room") }

func LeaderKey(journeyID string) string { return journeyKey(journeyID, "leader") }

func LocationKey(journeyID, userID string) string {
	return journeyKey(journeyID, "loc:"+userID)
}

func CursorKey(journeyID, userID string) string {
	return journeyKey(journeyID, "cursor:"+userID)
}

func PendingKey(journeyID, userID string) string {
	return journeyKey(journeyID, "pending:"+userID)
}

func ActiveJourneysKey() string { return "convoy:journeys:active" }

func ConnKey(connID string) string { return "convoy:conns:" + connID }

func RateLimitKey(userID string, window int64) string {
	return fmt.Sprintf("convoy:ratelimit:%s:%d", userID, window)
}

func LockKey(name string) string { return "convoy:locks:" + name }

// AlertLockName serializes lag-alert create/resolve per (journey, participant).
func AlertLockName(journeyID, userID string) string {
	return fmt.Sprintf("alert:%s:%s", journeyID, userID)
}
