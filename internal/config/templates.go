package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders Default as a TOML document Load accepts.
func Template() ([]byte, error) {
	return Render(Default())
}

// Render encodes cfg in the file schema.
func Render(cfg Server) ([]byte, error) {
	raw := fileConfig{
		ListenAddr:       cfg.ListenAddr,
		AdminAddr:        cfg.AdminAddr,
		AdminToken:       cfg.AdminToken,
		CorsOrigins:      cfg.CorsOrigins,
		DefaultProtocol:  cfg.DefaultProtocol,
		Protocols:        cfg.Protocols,
		AcceptRate:       cfg.AcceptRate,
		AcceptBurst:      cfg.AcceptBurst,
		HandshakeTimeout: cfg.HandshakeTimeout.String(),
		WriteTimeout:     cfg.WriteTimeout.String(),
		TLS: tlsFile{
			Enabled:  cfg.TLS.Enabled,
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		Pipeline: pipeFile{
			MaxRequestBody:  cfg.Pipeline.MaxRequestBody,
			PipeliningLimit: cfg.Pipeline.PipeliningLimit,
			Stats:           cfg.Pipeline.Stats,
			ServerHeader:    cfg.Pipeline.ServerHeader,
			IdleTimeout:     cfg.Pipeline.IdleTimeout.String(),
			MaxFramePayload: cfg.Pipeline.MaxFramePayload,
		},
		App: appFile{ReplyDelay: cfg.App.ReplyDelay.String()},
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("render edgemux config: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	data, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
