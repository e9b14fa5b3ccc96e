package main

import (
	"context"
	"log/slog"

	"github.com/teslashibe/go-callbridge/internal/config"
	"github.com/teslashibe/go-callbridge/internal/publisher"
	"github.com/teslashibe/go-callbridge/pkg/analysis"
	"github.com/teslashibe/go-callbridge/pkg/archive"
	"github.com/teslashibe/go-callbridge/pkg/finalize"
	"github.com/teslashibe/go-callbridge/pkg/monitor"
	"github.com/teslashibe/go-callbridge/pkg/realtime"
	"github.com/teslashibe/go-callbridge/pkg/server"
	"github.com/teslashibe/go-callbridge/pkg/telephony"
	"github.com/teslashibe/go-callbridge/pkg/webhook"
)

func newTelephonyClient(cfg *config.Config, logger *slog.Logger) *telephony.Client {
	return telephony.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken,
		telephony.WithBaseURL(cfg.Twilio.BaseURL),
		telephony.WithLogger(logger),
	)
}

// buildDeps wires every collaborator the server needs. Optional integrations that are not
// configured are left out. The returned cleanup stops the dashboard monitor and closes the
// broker connection.
func buildDeps(cfg *config.Config, logger *slog.Logger) (server.Deps, func()) {
	tel := newTelephonyClient(cfg, logger)

	monCtx, stopMonitor := context.WithCancel(context.Background())
	mon := monitor.New(logger)
	go mon.Run(monCtx)
	if !tel.Enabled() {
		logger.Warn("telephony credentials missing: hangup and origination are disabled")
	}

	pubs := publisher.Multi{mon}
	if cfg.MQTT.Broker != "" {
		mq, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			// Call events are optional; the bridge keeps running without them.
			logger.Warn("call events disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			pubs = append(pubs, mq)
			logger.Info("publishing call events", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
		}
	}
	events := publisher.NewEvents(pubs, cfg.MQTT.TopicPrefix, logger)

	fdeps := finalize.Deps{
		Hanger: tel,
		Webhooks: webhook.NewDispatcher(
			webhook.WithSecret(cfg.Webhooks.Secret),
			webhook.WithTimeout(cfg.Webhooks.Timeout),
			webhook.WithLogger(logger),
		),
		Events: events,
		Logger: logger,
	}

	if an, err := analysis.NewClient(cfg.Analysis.BaseURL, cfg.Analysis.APIKey, cfg.Analysis.Model,
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithLogger(logger),
	); err != nil {
		logger.Warn("transcript analysis disabled", "error", err)
	} else {
		fdeps.Analyzer = an
	}

	deps := server.Deps{
		NewAI: func() (server.AIConn, error) {
			return realtime.NewClient(cfg.OpenAI.APIKey,
				realtime.WithURL(cfg.OpenAI.RealtimeURL),
				realtime.WithModel(cfg.OpenAI.Model),
				realtime.WithLogger(logger),
			)
		},
		Events:  events,
		Monitor: mon,
		Logger:  logger,
	}
	if tel.Enabled() {
		deps.Calls = tel
	}

	if cfg.Archive.Enabled() {
		arch, err := archive.New(archive.Config{
			ClientID:     cfg.Archive.GoogleClientID,
			ClientSecret: cfg.Archive.GoogleClientSecret,
			RedirectURL:  cfg.Archive.RedirectURL,
			TokenPath:    cfg.Archive.TokenPath,
		}, archive.WithLogger(logger))
		if err != nil {
			logger.Warn("transcript archive disabled", "error", err)
		} else {
			fdeps.Archive = arch
			deps.Archive = arch
			if !arch.Authenticated() {
				logger.Info("transcript archive needs consent", "path", "/oauth/google")
			}
		}
	}

	deps.Finalizer = finalize.New(finalize.URLs{
		CallLog: cfg.Webhooks.CallLogURL,
		Lead:    cfg.Webhooks.LeadURL,
		Summary: cfg.Webhooks.SummaryURL,
	}, fdeps)

	cleanup := func() {
		stopMonitor()
		if err := events.Close(); err != nil {
			logger.Warn("close publisher", "error", err)
		}
	}
	return deps, cleanup
}
