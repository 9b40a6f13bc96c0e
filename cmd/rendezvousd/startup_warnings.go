package main

import (
	"log/slog"

	"github.com/warmlink/rendezvous/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxClients <= 0 {
		logger.Warn("startup security warning: RENDEZVOUS_MAX_CLIENTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_clients_unlimited_in_prod",
			"max_clients", cfg.MaxClients,
			"mode", cfg.Mode,
		)
	}

	// Warn if the inbound frame cap is unusually large: signaling payloads are
	// small SDP and candidate blobs, so a huge cap only increases per-message
	// allocation risk.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: RENDEZVOUS_MAX_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /ice will report unavailable until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
