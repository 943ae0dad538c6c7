// Copyright 2025 The Maestro Authors
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

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/maestro-adk/maestro/pkg/agenterr"
	"github.com/maestro-adk/maestro/pkg/model"
	"github.com/maestro-adk/maestro/pkg/sandbox"
)

const synthInstruction = `You write execution scripts for a restricted JavaScript sandbox. The sandbox provides these services as globals: %s. There is no filesystem, no process, no environment access, no eval, no dynamic import. Long loops must call checkCancelled() at least once per iteration batch.
From the task description, reply with exactly one JSON object:
{"name":"<short template name>","script":"<complete script source>","parameterSchema":{<JSON schema for the script's parameters, or {} if none>}}
Return the JSON object only.`

// Synthesizer turns a natural-language task spec into an ephemeral
// template via the LLM.
type Synthesizer struct {
	llm       model.LLM
	services  []string
	sizeCap   int
	maxTokens int
}

// NewSynthesizer creates the ad-hoc template synthesizer. services
// names the sandbox globals scripts may use.
func NewSynthesizer(llm model.LLM, services []string, sizeCap int) *Synthesizer {
	if sizeCap <= 0 {
		sizeCap = sandbox.DefaultScriptSizeCap
	}
	return &Synthesizer{llm: llm, services: services, sizeCap: sizeCap, maxTokens: 8192}
}

type synthReply struct {
	Name            string         `json:"name"`
	Script          string         `json:"script"`
	ParameterSchema map[string]any `json:"parameterSchema"`
}

// Synthesize generates an ephemeral template for one ad-hoc spec. The
// script passes the same static validation workers apply, so a
// template returned here is immediately runnable.
func (s *Synthesizer) Synthesize(ctx context.Context, taskID, spec string) (*Template, error) {
	temp := 0.1
	resp, err := s.llm.GenerateContent(ctx, &model.Request{
		SystemInstruction: fmt.Sprintf(synthInstruction, strings.Join(s.services, ", ")),
		Messages:          []model.Message{{Role: model.RoleUser, Content: spec}},
		Config: &model.GenerateConfig{
			Temperature:      &temp,
			MaxTokens:        s.maxTokens,
			ResponseMIMEType: "application/json",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("template synthesis failed: %w", err)
	}

	reply, err := parseSynthReply(resp.Text)
	if err != nil {
		return nil, err
	}

	if verr := sandbox.Validate(reply.Script, s.sizeCap); verr != nil {
		return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, verr, "synthesized script failed validation")
	}

	name := reply.Name
	if name == "" {
		name = "ad-hoc task"
	}
	return &Template{
		ID:              "adhoc-" + taskID,
		Name:            name,
		Categories:      []string{"adhoc"},
		Script:          reply.Script,
		ParameterSchema: reply.ParameterSchema,
		Enabled:         true,
		Ephemeral:       true,
	}, nil
}

func parseSynthReply(text string) (*synthReply, error) {
	payload := strings.TrimSpace(text)
	if start := strings.IndexByte(payload, '{'); start > 0 {
		payload = payload[start:]
	}
	var reply synthReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, err, "synthesis reply is not valid JSON")
		}
		if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
			return nil, agenterr.Wrap(agenterr.CodeScriptInvalid, err, "synthesis reply is not valid JSON after repair")
		}
	}
	if strings.TrimSpace(reply.Script) == "" {
		return nil, agenterr.New(agenterr.CodeScriptInvalid, "synthesis reply has no script")
	}
	return &reply, nil
}
