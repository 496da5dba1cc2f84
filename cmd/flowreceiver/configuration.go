package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/movsoftware/flowrelay/agent"
	"github.com/movsoftware/flowrelay/receiver"
	"github.com/movsoftware/flowrelay/transfer"
	"github.com/movsoftware/flowrelay/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Daemon   daemonConf
	Logging  logConf
	Status   statusConf
	Receiver receiverConf
	Peer     []peerConf
}

// daemonConf describes the Daemon-configuration block.
type daemonConf struct {
	Ident    string
	Mode     string
	Listen   string
	Protocol string
	TlsCert  string `toml:"tls-cert"`
	TlsKey   string `toml:"tls-key"`
	TlsCa    string `toml:"tls-ca"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// statusConf describes the Status-configuration block.
type statusConf struct {
	Listen string
}

// receiverConf describes the Receiver-configuration block.
type receiverConf struct {
	DestinationDir   string   `toml:"destination-dir"`
	DuplicateDir     []string `toml:"duplicate-dir"`
	UniqueDuplicates bool     `toml:"unique-duplicates"`
}

// peerConf describes one Peer-configuration block.
type peerConf struct {
	Ident   string
	Address []string
}

// setupLogging configures logrus from the Logging block.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseMode maps the Daemon block's mode field.
func parseMode(mode string) (transfer.Mode, error) {
	switch mode {
	case "client":
		return transfer.ModeClient, nil
	case "server":
		return transfer.ModeServer, nil
	default:
		return 0, fmt.Errorf("unknown daemon.mode %q", mode)
	}
}

// parseTransport creates the Transport of the Daemon block. A listener
// without configured certificate files gets a fresh self-signed one; a
// dialer accepts self-signed certificates.
func parseTransport(conf daemonConf, server bool) (transport.Transport, error) {
	proto := conf.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if proto == "tcp" {
		return transport.NewTransport(proto, nil)
	}

	var tlsConf *tls.Config
	if server {
		if conf.TlsCert != "" || conf.TlsKey != "" {
			cert, err := tls.LoadX509KeyPair(conf.TlsCert, conf.TlsKey)
			if err != nil {
				return nil, err
			}
			tlsConf = &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   []string{proto},
				MinVersion:   tls.VersionTLS13,
			}
		} else {
			var err error
			if tlsConf, err = transport.SimpleListenerTLSConfig(proto); err != nil {
				return nil, err
			}
		}
	} else if conf.TlsCa != "" {
		pem, err := os.ReadFile(conf.TlsCa)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", conf.TlsCa)
		}
		tlsConf = &tls.Config{
			RootCAs:    pool,
			NextProtos: []string{proto},
			MinVersion: tls.VersionTLS13,
		}
	} else {
		tlsConf = transport.SimpleDialerTLSConfig(proto)
	}

	return transport.NewTransport(proto, tlsConf)
}

// parseReceiver creates the receiver and its daemon from the given TOML
// configuration.
func parseReceiver(filename string) (d *transfer.Daemon, rcv *receiver.Receiver, sa *agent.StatusAgent, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	setupLogging(conf.Logging)

	mode, err := parseMode(conf.Daemon.Mode)
	if err != nil {
		return
	}

	registry := transfer.NewRegistry()
	for _, peer := range conf.Peer {
		if err = registry.Add(&transfer.Peer{Ident: peer.Ident, Addrs: peer.Address}); err != nil {
			return
		}
	}

	rcv, err = receiver.New(receiver.Config{
		DestinationDir:   conf.Receiver.DestinationDir,
		DuplicateDirs:    conf.Receiver.DuplicateDir,
		UniqueDuplicates: conf.Receiver.UniqueDuplicates,
	}, registry)
	if err != nil {
		return
	}

	trans, err := parseTransport(conf.Daemon, mode == transfer.ModeServer)
	if err != nil {
		return
	}

	d, err = transfer.NewDaemon(transfer.Config{
		Name:          "flowreceiver",
		Ident:         conf.Daemon.Ident,
		Mode:          mode,
		Registry:      registry,
		LocalVersion:  transfer.MsgReceiverVersion,
		RemoteVersion: transfer.MsgSenderVersion,
		Transport:     trans,
		ListenAddress: conf.Daemon.Listen,
		Hooks: transfer.Hooks{
			TransferFiles: rcv.TransferFiles,
			Unblock:       rcv.Unblock,
		},
	})
	if err != nil {
		return
	}

	if conf.Status.Listen != "" {
		sa = agent.NewStatusAgent(d, nil)
		sa.Start(conf.Status.Listen)
	}

	return
}
