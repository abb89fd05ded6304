// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ServeHTTP upgrades the request to a WebSocket and serves it until
// the client goes away.
func (r *Router) ServeHTTP(w http.ResponseWriter, request *http.Request) {
	conn, err := websocket.Accept(w, request, &websocket.AcceptOptions{
		OriginPatterns: r.config.OriginPatterns,
	})
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	binary := request.URL.Query().Get("format") == "cbor"
	client := r.Register(conn, binary)
	defer r.Unregister(client)

	ctx := request.Context()
	for {
		var message Inbound
		if err := wsjson.Read(ctx, conn, &message); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, ctx.Err()) {
				return
			}
			r.logger.Debug("client read failed", "client", client.id, "status", int(status), "error", err)
			return
		}
		r.Handle(ctx, client, message)
	}
}
