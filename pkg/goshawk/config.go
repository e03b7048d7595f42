// Copyright 2023 The goshawk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package goshawk

import (
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
)

// LoggerConfig defines logger configuration.
type LoggerConfig struct {
	Level      string `fig:"level" default:"debug"`
	Format     string `fig:"format" default:"logfmt"`
	OutputPath string `fig:"output_path"`
}

// ClientConfig defines XMPP client stream configuration.
type ClientConfig struct {
	JID      string `fig:"jid" validate:"required"`
	Password string `fig:"password"`
	Resource string `fig:"resource"`

	AllowedMechanisms      []string `fig:"allowed_mechanisms"`
	EnableStreamManagement bool     `fig:"enable_stream_management" default:"true"`

	DialTimeout       time.Duration `fig:"dial_timeout" default:"15s"`
	ConnectTimeout    time.Duration `fig:"connect_timeout" default:"1m"`
	RequestTimeout    time.Duration `fig:"request_timeout" default:"30s"`
	KeepAliveInterval time.Duration `fig:"keep_alive_interval" default:"2m"`

	MaxStanzaSize int `fig:"max_stanza_size" default:"131072"`
}

// Config defines goshawk application configuration.
type Config struct {
	Logger LoggerConfig `fig:"logger"`

	HTTPPort int `fig:"http_port" default:"6060"`

	Client ClientConfig `fig:"client"`
}

func loadConfig(configFile string) (*Config, error) {
	var cfg Config
	file := filepath.Base(configFile)
	dir := filepath.Dir(configFile)

	err := fig.Load(&cfg, fig.File(file), fig.Dirs(dir))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
