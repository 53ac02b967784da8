package sandbox

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/duynguyendang/toolbridge/pkg/prompt"
	"github.com/duynguyendang/toolbridge/pkg/service/ai"
	"github.com/google/generative-ai-go/genai"
)

// ExecutePythonDecl is the tool a model calls to run a notebook cell.
var ExecutePythonDecl = &genai.FunctionDeclaration{
	Name:        "execute_python",
	Description: "Execute python code in a Jupyter notebook cell and returns any result, stdout, stderr, display_data, and error.",
	Parameters: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"code": {Type: genai.TypeString, Description: "The python code to execute in a single cell."},
		},
		Required: []string{"code"},
	},
}

// FunctionCaller is the part of the model client the assistant needs.
type FunctionCaller interface {
	CallFunction(ctx context.Context, p ai.Prompt, fn *genai.FunctionDeclaration) (map[string]any, error)
}

// Executor runs code in the sandbox.
type Executor interface {
	Execute(ctx context.Context, code string) (*Execution, error)
}

// Answer is the code the model wrote for a task and what running it produced.
type Answer struct {
	Code      string
	Execution *Execution
}

// Assistant turns a natural-language task into a notebook cell.
type Assistant struct {
	llm    FunctionCaller
	exec   Executor
	prompt *prompt.Prompt
}

func NewAssistant(llm FunctionCaller, exec Executor) *Assistant {
	return &Assistant{llm: llm, exec: exec, prompt: prompt.MustBuiltin(prompt.CodeInterpreter)}
}

// Run asks the model for code that solves task and executes it. files lists
// sandbox paths the code may read.
func (a *Assistant) Run(ctx context.Context, task string, files []string) (*Answer, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("%w: task is required", apperrors.ErrInvalidInput)
	}
	text, err := a.prompt.Execute(map[string]any{"Task": task, "Files": files})
	if err != nil {
		return nil, err
	}
	args, err := a.llm.CallFunction(ctx, ai.Prompt{
		System:      a.prompt.Config.System,
		Text:        text,
		Temperature: a.prompt.Config.Temperature,
	}, ExecutePythonDecl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("%w: model returned no code", apperrors.ErrUpstream)
	}

	exec, err := a.exec.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	return &Answer{Code: code, Execution: exec}, nil
}
