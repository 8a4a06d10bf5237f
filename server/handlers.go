package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator"
	"github.com/gorilla/mux"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/location"
	"github.com/tidewatch/smartsos/server/sos"
)

type ResponsePayload struct {
	Errors  []string    `json:"errors"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type triggerRequest struct {
	UserID             string   `json:"user_id" validate:"required"`
	Latitude           *float64 `json:"latitude" validate:"required,lat"`
	Longitude          *float64 `json:"longitude" validate:"required,lon"`
	Message            string   `json:"message" validate:"max=1000"`
	DistanceFromBorder *float64 `json:"distance_from_border"`
}

type cancelRequest struct {
	UserID  string `json:"user_id" validate:"required_without=AlertID"`
	AlertID string `json:"alert_id"`
}

type locationRequest struct {
	UserID    string   `json:"user_id" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,lat"`
	Longitude *float64 `json:"longitude" validate:"required,lon"`
	Online    *bool    `json:"online"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := RegisterValidators(validate); err != nil {
		logg.Panic(err)
	}
}

func (app *App) triggerSOS(rw http.ResponseWriter, r *http.Request) {
	data := triggerRequest{}
	if !decodeAndValidate(rw, r, &data) {
		return
	}

	result, err := app.coordinator.TriggerSOS(r.Context(), sos.TriggerRequest{
		UserID:             data.UserID,
		Latitude:           data.Latitude,
		Longitude:          data.Longitude,
		Message:            data.Message,
		DistanceFromBorder: data.DistanceFromBorder,
	})
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: result}, http.StatusCreated)
}

func (app *App) cancelSOS(rw http.ResponseWriter, r *http.Request) {
	data := cancelRequest{}
	if !decodeAndValidate(rw, r, &data) {
		return
	}

	result, err := app.coordinator.CancelSOS(r.Context(), sos.CancelRequest{UserID: data.UserID, AlertID: data.AlertID})
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: result}, http.StatusOK)
}

func (app *App) resolveSOS(rw http.ResponseWriter, r *http.Request) {
	data := cancelRequest{}
	if !decodeAndValidate(rw, r, &data) {
		return
	}

	result, err := app.coordinator.ResolveSOS(r.Context(), sos.CancelRequest{UserID: data.UserID, AlertID: data.AlertID})
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: result}, http.StatusOK)
}

func (app *App) sosStatus(rw http.ResponseWriter, r *http.Request) {
	status, err := app.coordinator.GetStatus(r.Context(), mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: status}, http.StatusOK)
}

func (app *App) findAlert(rw http.ResponseWriter, r *http.Request) {
	a, err := app.coordinator.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: a}, http.StatusOK)
}

func (app *App) updateLocation(rw http.ResponseWriter, r *http.Request) {
	data := locationRequest{}
	if !decodeAndValidate(rw, r, &data) {
		return
	}

	online := true
	if data.Online != nil {
		online = *data.Online
	}

	loc, err := app.locations.UpdateLocation(data.UserID, *data.Latitude, *data.Longitude, online)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: loc}, http.StatusOK)
}

func (app *App) findLocation(rw http.ResponseWriter, r *http.Request) {
	loc, err := app.locations.GetLocation(mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: loc}, http.StatusOK)
}

func (app *App) nearbyUsers(rw http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	lat, errLat := strconv.ParseFloat(query.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(query.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{"valid 'lat' & 'lon' query params are required"}}, http.StatusBadRequest)
		return
	}

	radius := app.coordinator.Config().PeerRadiusKm
	if value := query.Get("radius"); value != "" {
		var err error
		radius, err = strconv.ParseFloat(value, 64)
		if err != nil {
			writeResponse(rw, ResponsePayload{Errors: []string{"'radius' must be a number"}}, http.StatusBadRequest)
			return
		}
	}

	nearby, err := app.locations.QueryNearby(lat, lon, radius)
	if err != nil {
		writeError(rw, err)
		return
	}

	if exclude := query.Get("exclude"); exclude != "" {
		filtered := make([]location.NearbyUser, 0, len(nearby))
		for _, n := range nearby {
			if n.UserID != exclude {
				filtered = append(filtered, n)
			}
		}
		nearby = filtered
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: nearby}, http.StatusOK)
}

func (app *App) createContact(rw http.ResponseWriter, r *http.Request) {
	data := contact.EmergencyContact{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	data.UserID = mux.Vars(r)["uid"]
	if data.Priority == 0 {
		data.Priority = 1
	}

	if errs := validate.Struct(data); errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return
	}

	created, err := app.contacts.Create(data)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: created}, http.StatusCreated)
}

func (app *App) findContacts(rw http.ResponseWriter, r *http.Request) {
	contacts, err := app.contacts.List(mux.Vars(r)["uid"])
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: contacts}, http.StatusOK)
}

func (app *App) updateContact(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data := make(map[string]interface{})

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	removeUnknownFields(data, contact.UpdatableFields)

	if errs := validateContactUpdate(data); len(errs) > 0 {
		writeResponse(rw, ResponsePayload{Errors: errs}, http.StatusBadRequest)
		return
	}

	updated, err := app.contacts.Update(vars["uid"], vars["cid"], data)
	if err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: updated}, http.StatusOK)
}

func (app *App) deleteContact(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := app.contacts.Delete(vars["uid"], vars["cid"]); err != nil {
		writeError(rw, err)
		return
	}

	writeResponse(rw, ResponsePayload{Success: true}, http.StatusOK)
}

func (app *App) jobStats(rw http.ResponseWriter, r *http.Request) {
	writeResponse(rw, ResponsePayload{Success: true, Data: app.workerPool.Stats()}, http.StatusOK)
}

func (app *App) health(rw http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":            "ok",
		"storage":           app.config.Storage.Driver,
		"armed_escalations": app.coordinator.Scheduler().Armed(),
	}

	if app.db != nil {
		if sqlDB, err := app.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
			status["status"] = "degraded"
			writeResponse(rw, ResponsePayload{Errors: []string{"database unreachable"}, Data: status}, http.StatusServiceUnavailable)
			return
		}
	}

	writeResponse(rw, ResponsePayload{Success: true, Data: status}, http.StatusOK)
}

// validateContactUpdate checks the fields of a partial contact update.
func validateContactUpdate(data map[string]interface{}) []string {
	errs := []string{}

	for key, value := range data {
		var err error
		switch key {
		case "name":
			err = validate.Var(value, "required")
		case "phone_number":
			err = validate.Var(value, "required,e164")
		case "relationship":
			err = validate.Var(value, "relationship")
		case "priority":
			number, ok := value.(float64)
			if !ok || number < 1 || number != float64(int(number)) {
				errs = append(errs, "priority must be a whole number >= 1")
			}
			continue
		}

		if err != nil {
			errs = append(errs, key+": "+err.Error())
		}
	}

	return errs
}

func writeError(rw http.ResponseWriter, err error) {
	writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, apperr.HTTPStatus(err))
}
