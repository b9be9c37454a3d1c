// Package middleware runs the ordered lifecycle hook and guardrail chains
// named in spec §4.3 (C7): workflow onStart/onEnd hooks and agent-loop
// guardrails. Each hook executes durably under its own step key so a hook
// that performs I/O (an approval lookup, a policy call) is memoized exactly
// like any other step (spec §4.2 invariant I2); guardrails are called
// directly, without a step key. A failing link stops the remainder of the
// chain.
package middleware

import (
	"context"
	"fmt"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

// RunHooks executes hooks in order under stepKeyPrefix, threading
// modify-and-pass semantics through HookContext (spec §4.3: a hook may
// rewrite CurrentPayload/CurrentOutput for the next hook in the chain, and
// can halt the chain by returning Continue=false or a non-nil error).
func RunHooks(ctx context.Context, step definition.StepAPI, hooks []definition.Hook, hookCtx definition.HookContext, stepKeyPrefix string) (definition.HookContext, error) {
	for i, hook := range hooks {
		key := fmt.Sprintf("%s.%d", stepKeyPrefix, i)
		result, err := step.Run(ctx, key, func(ctx context.Context) (any, error) {
			return hook(ctx, hookCtx)
		}, definition.DefaultRunOptions())
		if err != nil {
			return hookCtx, fmt.Errorf("middleware: hook %d (%s) failed: %w", i, key, err)
		}
		hr := result.(definition.HookResult)
		if hr.Err != nil {
			return hookCtx, fmt.Errorf("middleware: hook %d (%s) rejected: %w", i, key, hr.Err)
		}
		if hr.HasPayload {
			hookCtx.CurrentPayload = hr.ModifiedPayload
		}
		if hr.HasOutput {
			hookCtx.CurrentOutput = hr.ModifiedOutput
		}
		if !hr.Continue {
			return hookCtx, fmt.Errorf("middleware: hook %d (%s) halted the chain", i, key)
		}
	}
	return hookCtx, nil
}

// ComposeHooks flattens a sequence of hooks into one, useful when a
// definition wants to treat a group as a single named unit in a larger
// onStart/onEnd list.
func ComposeHooks(hooks ...definition.Hook) definition.Hook {
	return func(ctx context.Context, hookCtx definition.HookContext) (definition.HookResult, error) {
		combined := definition.HookResult{Continue: true}
		for _, h := range hooks {
			result, err := h(ctx, hookCtx)
			if err != nil {
				return result, err
			}
			if result.HasPayload {
				hookCtx.CurrentPayload = result.ModifiedPayload
				combined.HasPayload, combined.ModifiedPayload = true, result.ModifiedPayload
			}
			if result.HasOutput {
				hookCtx.CurrentOutput = result.ModifiedOutput
				combined.HasOutput, combined.ModifiedOutput = true, result.ModifiedOutput
			}
			if !result.Continue {
				return result, nil
			}
		}
		return combined, nil
	}
}

// ConditionalHook only invokes inner when predicate(hookCtx) is true, and
// passes through otherwise.
func ConditionalHook(predicate func(definition.HookContext) bool, inner definition.Hook) definition.Hook {
	return func(ctx context.Context, hookCtx definition.HookContext) (definition.HookResult, error) {
		if !predicate(hookCtx) {
			return definition.HookResult{Continue: true}, nil
		}
		return inner(ctx, hookCtx)
	}
}

// RunGuardrails evaluates guardrails in order against content/toolCalls,
// applying modify-and-pass semantics and retry/fail verdicts (spec §4.3).
// retry signals the caller (the agent loop) should re-request a model
// completion using feedback as additional instruction; err is non-nil when a
// guardrail returned GuardrailFail or itself returned an error.
func RunGuardrails(ctx context.Context, guardrails []definition.Guardrail, gctx definition.GuardrailContext) (content string, toolCalls []definition.ToolCall, retry bool, feedback string, err error) {
	content = gctx.Content
	toolCalls = gctx.ToolCalls
	for i, g := range guardrails {
		result, gerr := g(ctx, definition.GuardrailContext{Content: content, ToolCalls: toolCalls, Messages: gctx.Messages})
		if gerr != nil {
			return content, toolCalls, false, "", fmt.Errorf("middleware: guardrail %d: %w", i, gerr)
		}
		switch result.Action {
		case definition.GuardrailFail:
			return content, toolCalls, false, "", fmt.Errorf("middleware: guardrail %d rejected output: %w", i, result.Err)
		case definition.GuardrailRetry:
			return content, toolCalls, true, result.Feedback, nil
		}
		if result.HasContent {
			content = result.ModifiedContent
		}
		if result.HasCalls {
			toolCalls = result.ModifiedCalls
		}
	}
	return content, toolCalls, false, "", nil
}
