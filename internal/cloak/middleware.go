package cloak

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/cloakgate/internal/events"
)

const decisionKey = "cloak_decision"

// Emitter accepts events without blocking. *events.Dispatcher satisfies this.
type Emitter interface {
	Emit(e events.Event) bool
}

// Middleware applies the engine's decision: a redirect ends the request,
// anything else continues down the chain untouched. Intercepted requests
// emit one hit and one access event.
func Middleware(engine *Engine, emitter Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		dec := engine.Decide(c.Request.Context(), c.Request)
		c.Set(decisionKey, dec)

		if dec.Intercepted() && emitter != nil {
			now := time.Now().UTC()
			emitter.Emit(hitEvent(dec, now))
			emitter.Emit(accessEvent(dec, c.Request, now))
		}

		if dec.Action == ActionRedirect {
			c.Redirect(http.StatusFound, dec.Location)
			c.Abort()
			return
		}
		c.Next()
	}
}

// DecisionFromCtx returns the decision stored by Middleware, if any.
func DecisionFromCtx(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return Decision{}, false
	}
	dec, ok := v.(Decision)
	return dec, ok
}

func hitEvent(dec Decision, now time.Time) events.Event {
	decision := events.DecisionPassed
	if dec.Verdict.Class == ClassBot {
		decision = events.DecisionFiltered
	}
	return events.Event{
		Kind:           events.KindHit,
		Timestamp:      now,
		Hostname:       dec.Host,
		Classification: string(dec.Verdict.Class),
		Decision:       decision,
		Reason:         dec.Verdict.Rule,
		Destination:    dec.Location,
		Redirected:     dec.Action == ActionRedirect,
		ClientIP:       dec.ClientIP,
		UserAgent:      dec.UserAgent,
		Referer:        dec.Referer,
		OwnerID:        dec.Domain.OwnerID,
		DomainID:       dec.Domain.ID.String(),
	}
}

func accessEvent(dec Decision, r *http.Request, now time.Time) events.Event {
	e := hitEvent(dec, now)
	e.Kind = events.KindAccess
	e.Reason = dec.Reason
	e.Method = r.Method
	e.Path = r.URL.Path
	return e
}
