package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. SMYTE_STORAGE_DB_PATH.
const EnvPrefix = "SMYTE"

// Load resolves configuration with the precedence
//
//  1. environment variables (SMYTE_*, including those from .env files)
//  2. the config file at path, if any
//  3. Default()
//
// and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, smerrors.WrapInvalid(err, "config", "Load", "read "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return Config{}, smerrors.WrapInvalid(err, "config", "Load", "decode")
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		return smerrors.WrapFatal(fmt.Errorf("%w: %v", smerrors.ErrInvalidConfig, err), "config", "Validate", "validate")
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// setDefaults registers every leaf of def with viper so AutomaticEnv can
// override keys that never appear in a file.
func setDefaults(v *viper.Viper, def Config) {
	var m map[string]interface{}
	if err := mapstructure.Decode(def, &m); err != nil {
		return
	}
	walkDefaults(v, "", m)
}

func walkDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]interface{}); ok {
			walkDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}
