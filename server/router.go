package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

func newRouter(app *App) http.Handler {
	router := mux.NewRouter()
	router.Use(loggingMiddleware, app.metricsMiddleware)

	router.Handle("/health", jsonContentTypeMiddleware(http.HandlerFunc(app.health))).Methods("GET")
	router.Handle("/metrics", app.metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/sos/trigger", app.triggerSOS).Methods("POST")
	api.HandleFunc("/sos/cancel", app.cancelSOS).Methods("POST")
	api.HandleFunc("/sos/resolve", app.resolveSOS).Methods("POST")
	api.HandleFunc("/sos/status/{uid}", app.sosStatus).Methods("GET")
	api.HandleFunc("/sos/alerts/{id}", app.findAlert).Methods("GET")

	api.HandleFunc("/location/update", app.updateLocation).Methods("POST")
	api.HandleFunc("/location/nearby", app.nearbyUsers).Methods("GET")
	api.HandleFunc("/location/{uid}", app.findLocation).Methods("GET")

	api.HandleFunc("/users/{uid}/contacts", app.createContact).Methods("POST")
	api.HandleFunc("/users/{uid}/contacts", app.findContacts).Methods("GET")
	api.HandleFunc("/users/{uid}/contacts/{cid}", app.updateContact).Methods("PUT")
	api.HandleFunc("/users/{uid}/contacts/{cid}", app.deleteContact).Methods("DELETE")

	api.HandleFunc("/jobs/stats", app.jobStats).Methods("GET")

	return cors.New(cors.Options{
		AllowedOrigins: app.config.Sos.Listener.CorsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler(router)
}
