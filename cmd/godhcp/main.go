package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/imgurbot12/godhcp/server"
)

func main() {
	logrus.SetOutput(os.Stdout)

	logrus.Info("godhcp server " + ProductVersion)

	service := server.NewService()

	err := service.Initialize()
	if err != nil {
		logrus.Fatalf("Cannot initialise service: %s", err)
	}

	if service.EnableDebugLogging {
		logrus.SetLevel(logrus.DebugLevel)
	}

	err = service.Start()
	if err != nil {
		logrus.Fatalf("Cannot start service: %s", err)
	}

	logrus.Info("Server is running.")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("Server is stopping...")

	err = service.Stop()
	if err != nil {
		logrus.Fatalf("Error stopping service: %s", err)
	}
}
