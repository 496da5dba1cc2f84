package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT or SIGTERM appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	daemon, snd, statusAgent, err := parseSender(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	if err := snd.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start the directory watcher")
	}
	if err := daemon.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start the daemon")
	}

	waitSigint()
	log.Info("Shutting down..")

	if statusAgent != nil {
		_ = statusAgent.Close()
	}
	if err := snd.Close(); err != nil {
		log.WithError(err).Warn("Closing the sender failed")
	}
	daemon.Shutdown()
	if err := daemon.Teardown(); err != nil {
		log.WithError(err).Warn("Tearing the daemon down failed")
	}
}
