package state

import (
	"strconv"
	"strings"
)

// RenderMotd substitutes server variables in the headline and content.
func RenderMotd(m MessageOfTheDay, cfg ServerConfig) MessageOfTheDay {
	port := ""
	if cfg.Port > 0 {
		port = strconv.Itoa(cfg.Port)
	}
	r := strings.NewReplacer(
		"%SERVER_NAME%", cfg.ServerName,
		"%WORLD_NAME%", cfg.WorldName,
		"%SERVER_PORT%", port,
	)
	m.Headline = r.Replace(m.Headline)
	m.Content = r.Replace(m.Content)
	return m
}
