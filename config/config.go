// Copyright (c) 2022 The rcproxy Authors
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

// Package config loads the YAML file describing an asyncrpc.Client: its
// admin HTTP port, logging, and the set of endpoints to register at
// startup. Structurally modeled on the teacher's config.Config, with the
// redis-specific tunables replaced by the generic client's own.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"asyncrpc/client/pkg/logging"
)

// Config is the top-level shape of the YAML config file.
type Config struct {
	WebPort      int              `yaml:"web_port"`
	LogPath      string           `yaml:"log_path"`
	LogLevel     string           `yaml:"log_level"`
	LogExpireDay int              `yaml:"log_expire_day"`
	Client       ClientConfig     `yaml:"client"`
	Endpoints    []EndpointConfig `yaml:"endpoints"`
}

// ClientConfig carries the tunables passed to client.NewClient as Options.
// Async is read from the file but not passed on: the pool kind follows the
// Protocol's IsAsync.
type ClientConfig struct {
	Async                bool `yaml:"async"`
	SocketBufferSize     int  `yaml:"socket_buffer_size"`
	MessageBufferSize    int  `yaml:"message_buffer_size"`
	SendTimeoutMs        int  `yaml:"send_timeout_ms"`
	ReceiveTimeoutMs     int  `yaml:"receive_timeout_ms"`
	DialTimeoutMs        int  `yaml:"dial_timeout_ms"`
	FailFastOnDisconnect bool `yaml:"fail_fast_on_disconnect"`
}

// EndpointConfig is one node registered with the client's endpoint manager
// at startup, before the hot-reload watcher takes over.
type EndpointConfig struct {
	Name           string `yaml:"name"`
	RemoteEndpoint string `yaml:"remote_endpoint"`
}

// LoadConfig reads and validates the YAML config file at fileName.
func LoadConfig(fileName string) (*Config, error) {
	file, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file from %s", fileName)
	}
	var cfg Config
	if err = yaml.Unmarshal(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", fileName)
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "config validate failed")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, ok := logging.LevelMapperRev[c.LogLevel]; !ok {
		return errors.Errorf("unknown log level %s", c.LogLevel)
	}
	for _, e := range c.Endpoints {
		if len(e.Name) < 1 || len(e.RemoteEndpoint) < 1 {
			return errors.Errorf("endpoint entries require both name and remote_endpoint")
		}
	}
	return nil
}
