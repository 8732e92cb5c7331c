package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/orchard/server"
)

func main() {
	parser := argparse.NewParser("orchard", "Real-time apple disease detection")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file (defaults are used if omitted)", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "Listen address, overriding the config file (eg :8080)", Default: ""})
	modelURL := parser.String("", "model-url", &argparse.Options{Help: "Model server URL, overriding the config file (eg http://127.0.0.1:8000/predict)", Default: ""})
	captureLog := parser.String("", "capture-log", &argparse.Options{Help: "Path to the capture log sqlite DB, overriding the config file", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	config, err := server.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		config.Listen = *listen
	}
	if *modelURL != "" {
		config.ModelServer.URL = *modelURL
	}
	if *captureLog != "" {
		config.CaptureLog = *captureLog
	}

	srv, err := server.NewServer(logger, config, nil)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(config.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}
	<-srv.ShutdownComplete
	logger.Close()
}
