package logging

import "github.com/rs/zerolog"

// HubLogger adapts a zerolog logger to the printf-style logger that
// pubsub.SimpleHub reports handler failures through.
type HubLogger struct {
	zerolog.Logger
}

func (h HubLogger) Errorf(format string, args ...interface{})   { h.Error().Msgf(format, args...) }
func (h HubLogger) Warningf(format string, args ...interface{}) { h.Warn().Msgf(format, args...) }
func (h HubLogger) Infof(format string, args ...interface{})    { h.Info().Msgf(format, args...) }
func (h HubLogger) Debugf(format string, args ...interface{})   { h.Debug().Msgf(format, args...) }
func (h HubLogger) Tracef(format string, args ...interface{})   { h.Trace().Msgf(format, args...) }
