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

// Package web is the admin HTTP surface: pprof, Prometheus metrics, and a
// small read-only view over the client's registered endpoints, wired the
// way the teacher's web package wires its cluster inspection routes.
package web

import (
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"asyncrpc/client"
)

// Init registers the admin routes on an already-constructed gin.Engine,
// mirroring the teacher's web.Init(router *gin.Engine) signature so main.go
// keeps owning the http.Server and listen address.
func Init(router *gin.Engine, c *client.Client) {
	pprof.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{})))

	group := router.Group("/client")
	group.GET("/endpoints", listEndpoints(c))
}
