// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package runtime

import (
	"context"
	"encoding/json"

	"github.com/sage-x-project/challenge-sidecar/internal/executor"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/peers"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// jobResultWire wraps an executor.Reply with the "kind" discriminator
// every frame on the wire carries; Reply's own json tags are promoted
// through the embedded field.
type jobResultWire struct {
	Kind string `json:"kind"`
	executor.Reply
}

// inboundEnvelope is the generic frame shape every inbound payload is
// first decoded as, so dispatchFrame can route on Kind before committing
// to a concrete payload type.
type inboundEnvelope struct {
	Kind string `json:"kind"`
}

type jobExecuteFrame struct {
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id"`
	JobName string         `json:"job_name"`
	Payload map[string]any `json:"payload"`
}

// dispatchLoop reads frames from an admitted peer session until it
// terminates, routing each to the handler its Kind names. One loop runs
// per session for the session's lifetime.
func (rt *Runtime) dispatchLoop(role transport.Role, sess *transport.Session) {
	ctx := context.Background()
	for {
		payload, err := sess.Recv(ctx)
		if err != nil {
			return
		}
		rt.dispatchFrame(ctx, role, sess, payload)
	}
}

func (rt *Runtime) dispatchFrame(ctx context.Context, role transport.Role, sess *transport.Session, payload []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("discarding malformed inbound frame", logger.String("role", string(role)), logger.Error(err))
		return
	}

	switch env.Kind {
	case "orm.response":
		rt.ormClient.Deliver(payload)
	case string(peers.MsgJobExecute):
		rt.dispatchJobExecute(ctx, role, sess, payload)
	case string(peers.MsgMigrationsApply):
		rt.dispatchMigrationsApply(role)
	default:
		logger.Warn("discarding frame of unhandled kind", logger.String("kind", env.Kind), logger.String("role", string(role)))
	}
}

func (rt *Runtime) dispatchJobExecute(ctx context.Context, role transport.Role, sess *transport.Session, payload []byte) {
	if err := rt.peersMgr.CheckAdmission(peers.MsgJobExecute, role); err != nil {
		logger.Warn("job.execute rejected by admission control", logger.Error(err))
		return
	}

	var frame jobExecuteFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		logger.Warn("malformed job.execute frame", logger.Error(err))
		return
	}

	if err := rt.orchestrator.AllowJob(); err != nil {
		reply := map[string]any{"kind": "job.result", "job_id": frame.JobID, "score": 0, "error": err.Error()}
		wire, _ := json.Marshal(reply)
		_ = sess.Send(ctx, wire)
		return
	}
	defer rt.orchestrator.JobDone()

	reply := rt.executor.Execute(ctx, frame.JobName, frame.JobID, frame.Payload)
	wireReply := jobResultWire{Kind: "job.result", Reply: reply}
	wire, err := json.Marshal(wireReply)
	if err != nil {
		logger.Warn("failed to marshal job reply", logger.Error(err))
		return
	}
	if err := sess.Send(ctx, wire); err != nil {
		logger.Warn("failed to send job reply frame", logger.Error(err))
	}
}

func (rt *Runtime) dispatchMigrationsApply(role transport.Role) {
	if err := rt.peersMgr.CheckAdmission(peers.MsgMigrationsApply, role); err != nil {
		logger.Warn("migrations.apply rejected by admission control", logger.Error(err))
		return
	}
	if err := rt.orchestrator.MarkMigrationsApplied(); err != nil {
		logger.Warn("migrations.apply failed", logger.Error(err))
	}
}
