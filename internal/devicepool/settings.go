package devicepool

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/qwdingyu/testflow/internal/value"
)

// DecodeSettings decodes device settings into a driver's config struct using
// `mapstructure` tags. Input is weakly typed so "9600" fills an int field and
// "250ms" fills a time.Duration. Unknown keys are rejected.
func DecodeSettings(settings value.Map, out any) error {
	if len(settings) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build settings decoder: %w", err)
	}
	if err := dec.Decode(settings.Interface()); err != nil {
		return fmt.Errorf("invalid device settings: %w", err)
	}
	return nil
}
