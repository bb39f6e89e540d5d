package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/battle-client/internal/hub"
	"github.com/DoyleJ11/battle-client/internal/ws"
)

// Deps are the optional collaborators of the control surface. Any of them may
// be nil.
type Deps struct {
	Fallback    Submitter
	Journal     Forgetter
	Leaderboard Leaderboard
	Log         *zap.Logger
}

// SetupRoutes builds the local control surface.
func SetupRoutes(h *hub.Hub, deps Deps) http.Handler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))

	r.Route("/battles", func(r chi.Router) {
		r.Get("/", ListBattles(h))
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/", JoinBattle(h))
			r.Get("/", GetBattle(h))
			r.Delete("/", LeaveBattle(h, deps.Journal, log))
			r.Get("/scoreboard", GetScoreboard(h, deps.Leaderboard))
			r.Post("/submit", Submit(h, deps.Fallback, log))
			r.Post("/end", RequestEnd(h))
			r.Post("/problem", SelectProblem(h))
		})
	})
	return r
}
