package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/romaexec/roma/internal/domain"
)

func invokeCmd() *cobra.Command {
	var (
		version      string
		argsJSON     string
		timeoutS     int
		consentToken string
	)

	cmd := &cobra.Command{
		Use:   "invoke <handler>",
		Short: "Invoke a handler against a loaded version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := args[0]

			var argVals []string
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &argVals); err != nil {
					return fmt.Errorf("parse --args as a JSON string array: %w", err)
				}
			}
			invArgs := make([]domain.Arg, 0, len(argVals))
			for _, v := range argVals {
				v := v
				invArgs = append(invArgs, domain.Arg{Str: &v})
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return fmt.Errorf("start runtime: %w", err)
			}
			defer rt.Stop(5 * time.Second)

			reqUUID := uuid.NewString()
			req := domain.InvocationRequest{
				RequestID:     reqUUID,
				UUID:          reqUUID,
				VersionString: version,
				Handler:       handler,
				Args:          invArgs,
				Deadline:      time.Now().Add(time.Duration(timeoutS) * time.Second),
			}
			if consentToken != "" {
				req.Metadata = map[string]string{"consent_token": consentToken}
			}

			type outcome struct {
				resp *domain.ResponseObject
				err  error
			}
			done := make(chan outcome, 1)
			if err := rt.Execute(ctx, req, func(resp *domain.ResponseObject, err error) {
				done <- outcome{resp, err}
			}); err != nil {
				return fmt.Errorf("invoke rejected: %w", err)
			}

			o := <-done
			if o.err != nil {
				return fmt.Errorf("invoke failed: %w", o.err)
			}

			fmt.Printf("Request ID:  %s\n", o.resp.RequestID)
			fmt.Printf("Wall time:   %d ms\n", o.resp.Stats.WallTimeMs)
			if !o.resp.Success() {
				fmt.Printf("Error:       %s: %s\n", o.resp.Err.Kind, o.resp.Err.Message)
				return nil
			}
			fmt.Printf("Result:\n%s\n", o.resp.Result)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version_string to invoke against (required)")
	cmd.Flags().StringVar(&argsJSON, "args", "", `JSON array of string arguments, e.g. '["a","b"]'`)
	cmd.Flags().IntVar(&timeoutS, "timeout", 30, "invocation deadline in seconds")
	cmd.Flags().StringVar(&consentToken, "consent-token", "", "client consent token for invocation logging")
	cmd.MarkFlagRequired("version")
	return cmd
}
