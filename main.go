// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"asyncrpc/client"
	"asyncrpc/client/pkg/logging"
	"asyncrpc/config"
	"asyncrpc/web"
)

var (
	configPath      = flag.String("p", "conf", "Config file path")
	basicConfigFile = flag.String("c", "asyncrpc.yaml", "Basic config filename")
	version         = flag.Bool("v", false, "Show version")
	help            = flag.Bool("h", false, "Show usage info")
)

var (
	CommitSHA string
	Tag       string
	BuildTime string
)

func init() {
	if len(Tag) < 1 {
		Tag = "unknown"
	}
	if len(CommitSHA) < 1 {
		CommitSHA = "unknown"
	}
	if len(BuildTime) < 1 {
		BuildTime = "unknown"
	}
}

const banner string = `
  __ _____ _  _ ____ ____ ____ ___ ____
 / _  ____) ) )( ____) ___) ___) _ (____)
( (_| | (_ \ V (( |_ | |  | |   ___ |_)
 \__,_|____/ \_/(____)_|  |_|  (_) (___/
`

func parseCli() {
	flag.Parse()
	if *version {
		fmt.Printf("version: %s\ncommit: %s\ntime: %s\n", Tag, CommitSHA, BuildTime)
		os.Exit(0)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func main() {
	parseCli()

	cfg, err := config.LoadConfig(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		logging.Errorf("parse config file err:%v", err)
		return
	}

	if err = logging.InitializeLogger(
		logging.WithPath(cfg.LogPath),
		logging.WithExpireDay(cfg.LogExpireDay),
		logging.WithLogLevel(cfg.LogLevel),
	); err != nil {
		logging.Errorf("failed to initialize logger, err: %s", err)
		return
	}

	fmt.Print(banner)
	fmt.Printf("asyncrpc version: %s\n", Tag)
	fmt.Printf("asyncrpc started, pid: %d\n", syscall.Getpid())
	logging.Infof("asyncrpc started, pid: %d, version: %s", syscall.Getpid(), Tag)

	c := client.NewClient(clientOptionsFrom(cfg.Client)...)
	defer c.Close()

	for _, e := range cfg.Endpoints {
		if !c.TryRegisterEndpoint(e.Name, e.RemoteEndpoint, nil) {
			logging.Warnf("endpoint %s already registered, skipping", e.Name)
		}
	}

	watcher, err := config.NewEndpointWatcher(path.Join(*configPath, *basicConfigFile))
	if err != nil {
		logging.Errorf("failed to create endpoint watcher, err: %s", err)
		return
	}
	if err = watcher.Start(c); err != nil {
		logging.Errorf("failed to start endpoint watcher, err: %s", err)
		return
	}
	defer watcher.Close()

	if cfg.WebPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.WebPort)
		gin.SetMode(gin.ReleaseMode)
		ginSrv := gin.New()
		web.Init(ginSrv, c)
		httpSrv := &http.Server{Handler: ginSrv, Addr: addr}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Errorf("failed to start http server, err: %s", err)
			}
		}()
	}

	select {}
}

func clientOptionsFrom(cc config.ClientConfig) []client.Option {
	var opts []client.Option
	if cc.SocketBufferSize > 0 {
		opts = append(opts, client.WithSocketBufferSize(cc.SocketBufferSize))
	}
	if cc.MessageBufferSize > 0 {
		opts = append(opts, client.WithMessageBufferSize(cc.MessageBufferSize))
	}
	if cc.SendTimeoutMs > 0 {
		opts = append(opts, client.WithSendTimeout(time.Duration(cc.SendTimeoutMs)*time.Millisecond))
	}
	if cc.ReceiveTimeoutMs > 0 {
		opts = append(opts, client.WithDefaultReceiveTimeout(time.Duration(cc.ReceiveTimeoutMs)*time.Millisecond))
	}
	if cc.DialTimeoutMs > 0 {
		opts = append(opts, client.WithDialTimeout(time.Duration(cc.DialTimeoutMs)*time.Millisecond))
	}
	if cc.FailFastOnDisconnect {
		opts = append(opts, client.WithFailFastOnDisconnect(true))
	}
	return opts
}
