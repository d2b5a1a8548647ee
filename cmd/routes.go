package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"resqBack/internal/dispatch"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, requestID, app.logRequest, secureHeaders)

	mux := pat.New()

	mux.Get("/health", alice.New(makeResponseJSON).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))

	if err := dispatch.RegisterDispatchRoutes(mux, alice.New(makeResponseJSON), app.dispatch); err != nil {
		return nil, err
	}

	return standardMiddleware.Then(mux), nil
}
