package domain

import (
	"slices"
	"strings"
)

// ActorType describes the class of caller that executed an action.
type ActorType string

// ActorType values.
const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// NormalizeActorType canonicalizes one actor type, defaulting unknown values to user.
func NormalizeActorType(actorType ActorType) ActorType {
	actorType = ActorType(strings.TrimSpace(strings.ToLower(string(actorType))))
	if !slices.Contains([]ActorType{ActorTypeUser, ActorTypeAgent, ActorTypeSystem}, actorType) {
		return ActorTypeUser
	}
	return actorType
}
