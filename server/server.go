package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/tidewatch/smartsos/server/logger"
)

var logg = logger.NewLogger()

// Start loads the server config, starts every background component and
// serves HTTP until the process receives an interrupt.
func Start(config *viper.Viper, devMode bool) {
	serverConfig, err := LoadConfig(config)
	fatalOnError(err)

	app, err := NewApp(serverConfig, Options{DevMode: devMode})
	fatalOnError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = app.Run(ctx)
	fatalOnError(err)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%v", serverConfig.Sos.Listener.Port),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go serve(server)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logg.Info("Shutting down SmartSOS server...")
	cleanup(app, server)
}
