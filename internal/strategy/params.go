package strategy

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

// ParseBool parses the boolean string forms accepted in strategy
// configuration. Unknown values fall back to def.
func ParseBool(value string, def bool) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return def, false
	}
}

// paramReader reads typed values out of a free-form parameter map, tracking
// which keys were consumed so leftovers can be reported.
type paramReader struct {
	params map[string]string
	read   map[string]bool
	log    zerolog.Logger
}

func newParamReader(params map[string]string, strategyName string) *paramReader {
	return &paramReader{
		params: params,
		read:   make(map[string]bool),
		log:    logging.Component("strategy_params").With().Str("strategy", strategyName).Logger(),
	}
}

func (r *paramReader) raw(key string) (string, bool) {
	r.read[key] = true
	v, ok := r.params[key]
	return v, ok
}

func (r *paramReader) Float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", v).Msg("unparseable float parameter, using default")
		return def
	}
	return f
}

func (r *paramReader) Int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", v).Msg("unparseable int parameter, using default")
		return def
	}
	return n
}

func (r *paramReader) Bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok || v == "" {
		return def
	}
	b, recognized := ParseBool(v, def)
	if !recognized {
		r.log.Warn().Str("key", key).Str("value", v).Msg("unrecognized bool parameter, using default")
	}
	return b
}

func (r *paramReader) String(key, def string) string {
	v, ok := r.raw(key)
	if !ok || v == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// WarnUnknown logs any configured key that no strategy option consumed,
// usually a typo in the parameter record.
func (r *paramReader) WarnUnknown() {
	for key := range r.params {
		if !r.read[key] {
			r.log.Warn().Str("key", key).Msg("unknown strategy parameter ignored")
		}
	}
}
