package entity

import "github.com/google/uuid"

const usecPerSecond = 1_000_000

func (e *Entity) Lifetime() float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.floatLocked(PropLifetime)
}

func (e *Entity) IsImmortal() bool { return e.Lifetime() == ImmortalLifetime }
func (e *Entity) IsMortal() bool   { return !e.IsImmortal() }

// Age is the time since creation in seconds.
func (e *Entity) Age(now uint64) float32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if now <= e.created {
		return 0
	}
	return float32(now-e.created) / usecPerSecond
}

// Expiry is the local time at which a mortal entity should be deleted, or 0
// for an immortal one.
func (e *Entity) Expiry() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lt := e.floatLocked(PropLifetime)
	if lt == ImmortalLifetime {
		return 0
	}
	if lt <= 0 {
		// Mortal with no time left: already due.
		return e.created
	}
	return e.created + uint64(lt*usecPerSecond)
}

func (e *Entity) LifetimeHasExpired(now uint64) bool {
	exp := e.Expiry()
	return exp != 0 && now >= exp
}

// Script preload tracking. The scripting subsystem calls these; the entity only
// remembers which script version was last loaded.

func (e *Entity) ShouldPreloadScript() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	script := e.values[e.reg.slot[PropScript]].(string)
	ts := e.values[e.reg.slot[PropScriptTimestamp]].(uint64)
	return script != "" && (script != e.loadedScript || ts != e.loadedScriptTimestamp)
}

func (e *Entity) ScriptHasPreloaded() {
	e.mu.Lock()
	e.loadedScript = e.values[e.reg.slot[PropScript]].(string)
	e.loadedScriptTimestamp = e.values[e.reg.slot[PropScriptTimestamp]].(uint64)
	e.mu.Unlock()
}

func (e *Entity) ScriptHasUnloaded() {
	e.mu.Lock()
	e.loadedScript, e.loadedScriptTimestamp = "", 0
	e.mu.Unlock()
}

// Client-only entities belong to one avatar and are never relayed.

func (e *Entity) SetClientOnly(avatar uuid.UUID) {
	e.mu.Lock()
	e.clientOnly = avatar != uuid.Nil
	e.owningAvatar = avatar
	e.mu.Unlock()
}

func (e *Entity) ClientOnly() (bool, uuid.UUID) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.clientOnly, e.owningAvatar
}
