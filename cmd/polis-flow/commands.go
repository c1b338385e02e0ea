package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/session"
	"github.com/polisai/polis-flow/pkg/templates"
	"github.com/spf13/cobra"
)

// validationReport is what validate prints for every workflow revision.
type validationReport struct {
	WorkflowID string                  `json:"workflowId"`
	Structural domain.ValidationResult `json:"structural"`
	Security   domain.ValidationResult `json:"security"`
	Nodes      []nodeReport            `json:"nodes"`
}

type nodeReport struct {
	ID            string           `json:"id"`
	TemplateType  domain.NodeKind  `json:"templateType"`
	SecurityScore int              `json:"securityScore"`
	Validated     bool             `json:"validated"`
	Findings      []domain.Finding `json:"findings,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newTemplatesCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "Print the node template catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeJSON(cmd.OutOrStdout(), templates.GlobalRegistry().List())
		},
	}
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Run structural and security validation over a workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.newManager().Create()
			if err != nil {
				return err
			}
			defer sess.Close()

			if !watch {
				wf, err := config.LoadWorkflow(args[0])
				if err != nil {
					return err
				}
				report, err := validateWorkflow(a, sess, wf)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Structural.Valid || !report.Security.Valid {
					return domain.ErrValidationFailed
				}
				return nil
			}

			return watchWorkflow(ctx, a, args[0], func(wf domain.Workflow) {
				report, err := validateWorkflow(a, sess, wf)
				if err != nil {
					a.logger.Error("workflow rejected", "error", err)
					return
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					a.logger.Error("write report", "error", err)
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Revalidate every time the file changes")
	return cmd
}

func validateWorkflow(a *app, sess *session.Session, wf domain.Workflow) (validationReport, error) {
	loaded, err := sess.Open(wf)
	if err != nil {
		return validationReport{}, err
	}
	structural, sec, err := sess.Validate(loaded.ID)
	if err != nil {
		return validationReport{}, err
	}
	a.metrics.RecordValidation("structural", structural)
	a.metrics.RecordValidation("security", sec)

	report := validationReport{
		WorkflowID: loaded.ID,
		Structural: structural,
		Security:   sec,
		Nodes:      make([]nodeReport, 0, len(loaded.Nodes)),
	}
	for _, n := range loaded.Nodes {
		report.Nodes = append(report.Nodes, nodeReport{
			ID:            n.ID,
			TemplateType:  n.TemplateType,
			SecurityScore: n.SecurityScore,
			Validated:     n.Validated,
			Findings:      n.Findings,
		})
	}
	return report, nil
}

// watchWorkflow calls fn for every revision of the document at path until ctx ends.
func watchWorkflow(ctx context.Context, a *app, path string, fn func(domain.Workflow)) error {
	provider, err := config.NewFileWorkflowProvider(path,
		config.WithProviderLogger(a.logger),
		config.WithDebounce(a.cfg.Workflow.Debounce),
		config.WithReloadHook(func(err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			a.metrics.RecordWorkflowReload(status)
		}),
	)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case wf := <-updates:
			fn(wf)
		}
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		simulate bool
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Validate and execute a workflow document",
		Long: `Validate and execute a workflow document, then print the final execution record.

With --simulate the workflow runs on a virtual clock and the node trace is printed as well.
With --stream every audit entry is printed as a JSON line while the execution runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := config.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			sess, err := a.newManager().Create()
			if err != nil {
				return err
			}
			defer sess.Close()
			loaded, err := sess.Open(wf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if simulate {
				res, err := engine.NewSimulator(sess.Engine(), a.logger).Simulate(ctx, loaded)
				if err != nil {
					return err
				}
				if err := writeJSON(out, res); err != nil {
					return err
				}
				return finished(res.Execution)
			}

			stopStream := func() {}
			if stream {
				entries, unsubscribe := sess.Audit().Subscribe(256)
				drained := make(chan struct{})
				go func() {
					defer close(drained)
					enc := json.NewEncoder(out)
					for entry := range entries {
						_ = enc.Encode(entry)
					}
				}()
				stopStream = func() {
					unsubscribe()
					<-drained
				}
				defer stopStream()
			}

			task, err := sess.Execute(ctx, loaded.ID)
			if err != nil {
				return err
			}
			exec, err := task.Wait(ctx)
			if err != nil {
				_ = sess.Cancel(task.ID())
				return err
			}
			// every entry of the run is printed before the final record
			stopStream()
			if err := writeJSON(out, exec); err != nil {
				return err
			}
			return finished(exec)
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run on a virtual clock and print the node trace")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print audit entries while the execution runs")
	return cmd
}

// finished maps a terminal status to the command result.
func finished(exec domain.Execution) error {
	if exec.Status == domain.StatusCompleted {
		return nil
	}
	return fmt.Errorf("execution %s finished %s: %v", exec.ID, exec.Status, exec.SecurityViolations)
}

var errNoWorkflowFile = errors.New("no workflow file given")

func workflowPath(args []string, cfg *config.Config) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if cfg.Workflow.File != "" {
		return cfg.Workflow.File, nil
	}
	if _, err := os.Stat("workflow.yaml"); err == nil {
		return "workflow.yaml", nil
	}
	return "", errNoWorkflowFile
}
