package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/spf13/viper"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/geo"
	"github.com/tidewatch/smartsos/server/sos"
	"github.com/tidewatch/smartsos/shared"
	"github.com/tidewatch/smartsos/utils"
)

// ---------------------------------------------------------------------------------//
// Handler Helper functions
// --------------------------------------------------------------------------------//

func writeResponse(rw http.ResponseWriter, payLoad ResponsePayload, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		logg.Error(payLoad.Errors)
	} else if statusCode >= http.StatusBadRequest {
		logg.Info(payLoad.Errors)
	}

	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(payLoad)
}

// decodeAndValidate decodes the JSON body into data and runs its validate tags.
// It writes a 400 and returns false when either step fails.
func decodeAndValidate(rw http.ResponseWriter, r *http.Request, data interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(data)
	if err != nil {
		writeResponse(rw, ResponsePayload{Errors: []string{"invalid request body: " + err.Error()}}, http.StatusBadRequest)
		return false
	}

	errs := validate.Struct(data)
	if errs != nil {
		writeResponse(rw, ResponsePayload{Errors: strings.Split(errs.Error(), "\n")}, http.StatusBadRequest)
		return false
	}

	return true
}

func removeUnknownFields(args map[string]interface{}, validFields map[string]bool) {
	for key := range args {
		if !validFields[key] {
			delete(args, key)
		}
	}
}

func RegisterValidators(validate *validator.Validate) error {
	err := validate.RegisterValidation("lat", func(fl validator.FieldLevel) bool {
		return isFloat(fl) && geo.ValidLatitude(fl.Field().Float())
	})
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("lon", func(fl validator.FieldLevel) bool {
		return isFloat(fl) && geo.ValidLongitude(fl.Field().Float())
	})
	if err != nil {
		return err
	}

	return validate.RegisterValidation("relationship", func(fl validator.FieldLevel) bool {
		return contact.RelationshipNameMap[fl.Field().String()]
	})
}

func isFloat(fl validator.FieldLevel) bool {
	return fl.Field().CanFloat()
}

// ---------------------------------------------------------------------------------//
// Server Helper functions
// --------------------------------------------------------------------------------//

// LoadConfig applies the sos defaults, unmarshals the viper config and validates it.
func LoadConfig(v *viper.Viper) (shared.ServerConfig, error) {
	defaults := sos.DefaultConfig()

	v.SetDefault("sos.escalationDelay", defaults.EscalationDelay)
	v.SetDefault("sos.peerRadiusKm", defaults.PeerRadiusKm)
	v.SetDefault("sos.fanoutConcurrency", defaults.FanoutConcurrency)
	v.SetDefault("sos.sweepGrace", defaults.SweepGrace)
	v.SetDefault("sos.sweepSchedule", "*/1 * * * *")
	v.SetDefault("sos.cron.timeZone", "UTC")
	v.SetDefault("sos.listener.port", 3000)
	v.SetDefault("sos.workers.concurrency", 4)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("nats.subjectPrefix", "sos")

	config := shared.ServerConfig{}
	err := v.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, validate.Struct(config)
}

func serve(server *http.Server) {
	logg.Infof("SmartSOS server is listening on port%v", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Fatal(err)
	}
}

func cleanup(app *App, server *http.Server) {
	// Shutdown server gracefully before stopping the workers its handlers enqueue on
	ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutDown); err != nil {
		logg.Errorf("SmartSOS server shutdown failed:%+s", err)
	}

	app.Close()

	logg.Infof("SmartSOS server stopped properly")
}

// configDirectory retrieves the directory to store smartsos data
// Or logs an error message and then calls os.Exit if it's unable to.
func configDirectory(devMode bool) string {
	// Use 'smartsos' folder in home directory for prod
	configFolderName := "smartsos"
	rootDir, err := os.UserHomeDir()
	fatalOnError(err)

	// Use 'dev' folder in current directory for dev mode
	if devMode {
		configFolderName = "dev"
		rootDir, err = os.Getwd()
		fatalOnError(err)
	}

	configDir := filepath.Join(rootDir, configFolderName)

	err = utils.CreateDirIfNotExist(configDir)
	fatalOnError(err)

	return configDir
}

func fatalOnError(err error) {
	if err != nil {
		logg.Fatal(err)
	}
}
