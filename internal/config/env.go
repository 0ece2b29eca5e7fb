package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/rickgao/hsm-feed/internal/model"
)

// EnvPrefix is the prefix of credential environment variables.
const EnvPrefix = "HSM"

// credentialsEnv maps HSM_TOKEN, HSM_SID and HSM_DATA_CENTER.
type credentialsEnv struct {
	Token      string `envconfig:"TOKEN" required:"true"`
	SessionID  string `envconfig:"SID" required:"true"`
	DataCenter string `envconfig:"DATA_CENTER" default:"gdc"`
}

// LoadCredentials reads session credentials from the environment. Each of
// envFiles that exists is loaded first; variables already set win.
func LoadCredentials(envFiles ...string) (model.Credentials, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return model.Credentials{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var env credentialsEnv
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return model.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	creds := model.Credentials{
		Token:      env.Token,
		SessionID:  env.SessionID,
		DataCenter: model.DataCenter(env.DataCenter),
	}
	if err := creds.Validate(); err != nil {
		return model.Credentials{}, err
	}
	return creds, nil
}
