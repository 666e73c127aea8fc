package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/coinledger/internal/database"
	"github.com/MarkoPoloResearchLab/coinledger/internal/opsserver"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/pricing"
	"github.com/spf13/cobra"
)

const (
	flagUser           = "user"
	flagRequestID      = "request-id"
	flagAmount         = "amount"
	flagDelta          = "delta"
	flagRemark         = "remark"
	flagOperator       = "operator"
	flagOrderID        = "order-id"
	flagTaskID         = "task-id"
	flagModel          = "model"
	flagConversationID = "conversation-id"
	flagMetadata       = "metadata"
	flagText           = "text"
	flagMaxOutput      = "max-output-tokens"
	flagCost           = "cost"
	flagFee            = "fee"
	flagInputTokens    = "input-tokens"
	flagOutputTokens   = "output-tokens"
	flagReason         = "reason"
	flagBefore         = "before"
	flagBeforeID       = "before-id"
	flagLimit          = "limit"

	defaultEntriesLimit = 20
)

func withApplication(cmd *cobra.Command, cfg *runtimeConfig, run func(ctx context.Context, app *application) error) error {
	ctx := cmd.Context()
	app, err := openApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()
	return run(ctx, app)
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			connection, err := database.Open(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer connection.Close()
			if err := connection.Migrate(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": "migrated", "driver": connection.Driver})
		},
	}
}

func newAccountCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	open := &cobra.Command{
		Use:   "open",
		Short: "Open an account with zero balance (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				account, err := app.service.OpenAccount(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newAccountView(account))
			})
		},
	}
	addUserFlag(open)
	cmd.AddCommand(open)
	return cmd
}

func newBalanceCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show balance, frozen and available funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				account, err := app.service.Balance(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newAccountView(account))
			})
		},
	}
	addUserFlag(cmd)
	return cmd
}

func newRechargeCommand(cfg *runtimeConfig) *cobra.Command {
	return newCreditCommand(cfg, "recharge", "Credit a top-up", func(ctx context.Context, app *application, userID ledger.UserID, amount ledger.PositiveAmountCents, remark string, correlation ledger.EntryCorrelation) (ledger.BalanceResult, error) {
		return app.service.Recharge(ctx, userID, amount, remark, correlation)
	})
}

func newRewardCommand(cfg *runtimeConfig) *cobra.Command {
	return newCreditCommand(cfg, "reward", "Credit a promotional grant", func(ctx context.Context, app *application, userID ledger.UserID, amount ledger.PositiveAmountCents, remark string, correlation ledger.EntryCorrelation) (ledger.BalanceResult, error) {
		return app.service.Reward(ctx, userID, amount, remark, correlation)
	})
}

type creditFunc func(ctx context.Context, app *application, userID ledger.UserID, amount ledger.PositiveAmountCents, remark string, correlation ledger.EntryCorrelation) (ledger.BalanceResult, error)

func newCreditCommand(cfg *runtimeConfig, use string, short string, credit creditFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			rawAmount, _ := cmd.Flags().GetInt64(flagAmount)
			amount, err := ledger.NewPositiveAmountCents(rawAmount)
			if err != nil {
				return err
			}
			remark, _ := cmd.Flags().GetString(flagRemark)
			correlation, err := correlationFlags(cmd)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				result, err := credit(ctx, app, userID, amount, remark, correlation)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newBalanceResultView(result))
			})
		},
	}
	addUserFlag(cmd)
	cmd.Flags().Int64(flagAmount, 0, "amount to credit")
	cmd.Flags().String(flagRemark, "", "entry remark")
	addCorrelationFlags(cmd)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func newAdjustCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed operator correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			rawDelta, _ := cmd.Flags().GetInt64(flagDelta)
			delta, err := ledger.NewSignedAmountCents(rawDelta)
			if err != nil {
				return err
			}
			remark, _ := cmd.Flags().GetString(flagRemark)
			operatorID, _ := cmd.Flags().GetString(flagOperator)
			correlation, err := correlationFlags(cmd)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				result, err := app.service.Adjust(ctx, userID, delta, remark, operatorID, correlation)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newBalanceResultView(result))
			})
		},
	}
	addUserFlag(cmd)
	cmd.Flags().Int64(flagDelta, 0, "signed amount; negative debits")
	cmd.Flags().String(flagRemark, "", "reason for the correction (required)")
	cmd.Flags().String(flagOperator, "", "operator performing the correction (required)")
	addCorrelationFlags(cmd)
	_ = cmd.MarkFlagRequired(flagDelta)
	return cmd
}

func newEntriesCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			cursor, err := entryCursorFlags(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt(flagLimit)
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				entries, err := app.service.ListEntries(ctx, userID, cursor, limit)
				if err != nil {
					return err
				}
				views := make([]entryView, 0, len(entries))
				for _, entry := range entries {
					views = append(views, newEntryView(entry))
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}
	addUserFlag(cmd)
	cmd.Flags().Int64(flagBefore, 0, "list entries created before this unix time (0 = now)")
	cmd.Flags().String(flagBeforeID, "", "with --before, continue after this entry id (created_at and entry_id of the last listed entry)")
	cmd.Flags().Int(flagLimit, defaultEntriesLimit, "maximum number of entries")
	return cmd
}

func entryCursorFlags(cmd *cobra.Command) (ledger.EntryCursor, error) {
	before, _ := cmd.Flags().GetInt64(flagBefore)
	rawID, _ := cmd.Flags().GetString(flagBeforeID)
	if strings.TrimSpace(rawID) == "" {
		return ledger.EntryCursor{BeforeUnixUTC: before}, nil
	}
	if before <= 0 {
		return ledger.EntryCursor{}, fmt.Errorf("--%s requires --%s", flagBeforeID, flagBefore)
	}
	entryID, err := ledger.NewEntryID(rawID)
	if err != nil {
		return ledger.EntryCursor{}, err
	}
	return ledger.EntryCursor{BeforeUnixUTC: before, BeforeEntryID: entryID}, nil
}

func newRecordCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Show the freeze record of a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID, err := requestFlag(cmd)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				record, err := app.service.GetFreezeRecord(ctx, requestID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newRecordView(record))
			})
		},
	}
	addRequestFlag(cmd)
	return cmd
}

func newFreezeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freeze",
		Short: "Reserve funds under a request id",
		Long:  "Reserve --amount, or the worst-case cost of --model for --text when no amount is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			requestID, err := requestFlag(cmd)
			if err != nil {
				return err
			}
			rawAmount, _ := cmd.Flags().GetInt64(flagAmount)
			modelID, _ := cmd.Flags().GetString(flagModel)
			conversationID, _ := cmd.Flags().GetString(flagConversationID)
			rawMetadata, _ := cmd.Flags().GetString(flagMetadata)
			metadata, err := ledger.NewMetadataJSON(rawMetadata)
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				if cmd.Flags().Changed(flagAmount) {
					amount, err := ledger.NewPositiveAmountCents(rawAmount)
					if err != nil {
						return err
					}
					result, err := app.service.Freeze(ctx, userID, amount, requestID, ledger.FreezeContext{
						ModelID:        modelID,
						ConversationID: conversationID,
						Metadata:       metadata,
					})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), newFreezeView(result))
				}

				meter, err := app.meter()
				if err != nil {
					return err
				}
				text, _ := cmd.Flags().GetString(flagText)
				maxOutput, _ := cmd.Flags().GetInt64(flagMaxOutput)
				reservation, err := meter.Reserve(ctx, billing.ReserveRequest{
					UserID:         userID,
					RequestID:      requestID,
					ModelID:        modelID,
					InputText:      text,
					OutputTokens:   maxOutput,
					ConversationID: conversationID,
					Metadata:       metadata,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newReservationView(reservation))
			})
		},
	}
	addUserFlag(cmd)
	addRequestFlag(cmd)
	cmd.Flags().Int64(flagAmount, 0, "amount to reserve")
	cmd.Flags().String(flagModel, "", "model id (prices the reservation when --amount is omitted)")
	cmd.Flags().String(flagConversationID, "", "conversation id stored on the record")
	cmd.Flags().String(flagMetadata, "", "JSON metadata stored on the record")
	cmd.Flags().String(flagText, "", "prompt text used to estimate input tokens")
	cmd.Flags().Int64(flagMaxOutput, 0, "output token bound (0 = model default)")
	return cmd
}

func newSettleCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Close a reservation at its actual cost",
		Long:  "Charge --cost, or price the token usage with the record's model when no cost is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			requestID, err := requestFlag(cmd)
			if err != nil {
				return err
			}
			inputTokens, _ := cmd.Flags().GetInt64(flagInputTokens)
			outputTokens, _ := cmd.Flags().GetInt64(flagOutputTokens)
			usage := ledger.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				if cmd.Flags().Changed(flagCost) {
					rawCost, _ := cmd.Flags().GetInt64(flagCost)
					cost, err := ledger.NewAmountCents(rawCost)
					if err != nil {
						return err
					}
					result, err := app.service.Settle(ctx, userID, requestID, cost, usage)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), newSettlementView(result))
				}

				meter, reservation, err := app.reservationFor(ctx, userID, requestID, "")
				if err != nil {
					return err
				}
				charge, err := meter.Complete(ctx, reservation, usage)
				if err != nil {
					return err
				}
				if charge.Err != nil {
					return charge.Err
				}
				return printJSON(cmd.OutOrStdout(), newSettlementView(charge.Result))
			})
		},
	}
	addUserFlag(cmd)
	addRequestFlag(cmd)
	cmd.Flags().Int64(flagCost, 0, "actual cost to charge")
	cmd.Flags().Int64(flagInputTokens, 0, "input tokens consumed")
	cmd.Flags().Int64(flagOutputTokens, 0, "output tokens produced")
	return cmd
}

func newRefundCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund",
		Short: "Release a reservation without charge",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			requestID, err := requestFlag(cmd)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString(flagReason)
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				result, err := app.service.Refund(ctx, userID, requestID, reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), newSettlementView(result))
			})
		},
	}
	addUserFlag(cmd)
	addRequestFlag(cmd)
	cmd.Flags().String(flagReason, "", "why the call failed")
	return cmd
}

func newPenaltyCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "penalty",
		Short: "Charge a policy violation penalty against a reservation",
		Long:  "Charge --fee, or the model's violation penalty from the rate table when no fee is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userFlag(cmd)
			if err != nil {
				return err
			}
			requestID, err := requestFlag(cmd)
			if err != nil {
				return err
			}
			modelID, _ := cmd.Flags().GetString(flagModel)
			reason, _ := cmd.Flags().GetString(flagReason)
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				if cmd.Flags().Changed(flagFee) {
					rawFee, _ := cmd.Flags().GetInt64(flagFee)
					fee, err := ledger.NewAmountCents(rawFee)
					if err != nil {
						return err
					}
					result, err := app.service.ViolationPenalty(ctx, userID, requestID, ledger.PenaltyInput{Fee: fee, ModelID: modelID, Reason: reason})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), newSettlementView(result))
				}

				meter, reservation, err := app.reservationFor(ctx, userID, requestID, modelID)
				if err != nil {
					return err
				}
				charge, err := meter.Violation(ctx, reservation, reason)
				if err != nil {
					return err
				}
				if charge.Err != nil {
					return charge.Err
				}
				return printJSON(cmd.OutOrStdout(), newSettlementView(charge.Result))
			})
		},
	}
	addUserFlag(cmd)
	addRequestFlag(cmd)
	cmd.Flags().Int64(flagFee, 0, "penalty to charge")
	cmd.Flags().String(flagModel, "", "model whose penalty applies (defaults to the record's model)")
	cmd.Flags().String(flagReason, "", "violation reason")
	return cmd
}

func newEstimateCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a call with the rate table",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.RatesFile == "" {
				return fmt.Errorf("--%s is required", flagRatesFile)
			}
			table, err := pricing.LoadRateTable(cfg.RatesFile)
			if err != nil {
				return err
			}
			modelID, _ := cmd.Flags().GetString(flagModel)
			rate, err := table.Rate(modelID)
			if err != nil {
				return err
			}
			calculator := table.Calculator()
			text, _ := cmd.Flags().GetString(flagText)
			maxOutput, _ := cmd.Flags().GetInt64(flagMaxOutput)
			maxCost, err := calculator.EstimateMaxCost(rate, text, maxOutput)
			if err != nil {
				return err
			}
			penalty, err := calculator.CalculateViolationPenalty(rate)
			if err != nil {
				return err
			}
			view := estimateView{
				ModelID:              rate.ModelID,
				EstimatedInputTokens: calculator.EstimateTokens(text),
				MaxCost:              maxCost.Int64(),
				Penalty:              penalty.Int64(),
			}
			if cmd.Flags().Changed(flagInputTokens) || cmd.Flags().Changed(flagOutputTokens) {
				inputTokens, _ := cmd.Flags().GetInt64(flagInputTokens)
				outputTokens, _ := cmd.Flags().GetInt64(flagOutputTokens)
				cost, err := calculator.CalculateCost(inputTokens, outputTokens, rate)
				if err != nil {
					return err
				}
				value := cost.Int64()
				view.Cost = &value
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().String(flagModel, "", "model id (default model when empty)")
	cmd.Flags().String(flagText, "", "prompt text")
	cmd.Flags().Int64(flagMaxOutput, 0, "output token bound (0 = model default)")
	cmd.Flags().Int64(flagInputTokens, 0, "actual input tokens")
	cmd.Flags().Int64(flagOutputTokens, 0, "actual output tokens")
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, readiness and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApplication(cmd, cfg, func(_ context.Context, app *application) error {
				checkers := map[string]opsserver.ReadinessChecker{"database": app.connection}
				if app.redis != nil {
					checkers["redis"] = redisPinger{client: app.redis}
				}
				return opsserver.Run(ctx, opsserver.Config{
					ListenAddr: cfg.ListenAddr,
					Registry:   app.registry,
					Checkers:   checkers,
					Logger:     app.logger,
				})
			})
		},
	}
}

// reservationFor rebuilds the billing handle of an open freeze record.
func (app *application) reservationFor(ctx context.Context, userID ledger.UserID, requestID ledger.RequestID, modelID string) (*billing.Meter, billing.Reservation, error) {
	meter, err := app.meter()
	if err != nil {
		return nil, billing.Reservation{}, err
	}
	record, err := app.service.GetFreezeRecord(ctx, requestID)
	if err != nil {
		return nil, billing.Reservation{}, err
	}
	if modelID == "" {
		modelID = record.ModelID
	}
	return meter, billing.Reservation{
		UserID:    userID,
		RequestID: requestID,
		ModelID:   modelID,
		Amount:    record.Amount.ToAmountCents(),
		Reserved:  true,
	}, nil
}

func addUserFlag(cmd *cobra.Command) {
	cmd.Flags().String(flagUser, "", "account owner id")
	_ = cmd.MarkFlagRequired(flagUser)
}

func addRequestFlag(cmd *cobra.Command) {
	cmd.Flags().String(flagRequestID, "", "request id of the reservation")
	_ = cmd.MarkFlagRequired(flagRequestID)
}

func addCorrelationFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagRequestID, "", "correlated request id")
	cmd.Flags().String(flagOrderID, "", "correlated order id")
	cmd.Flags().String(flagTaskID, "", "correlated task id")
	cmd.Flags().String(flagMetadata, "", "JSON metadata stored on the entry")
}

func userFlag(cmd *cobra.Command) (ledger.UserID, error) {
	raw, _ := cmd.Flags().GetString(flagUser)
	return ledger.NewUserID(raw)
}

func requestFlag(cmd *cobra.Command) (ledger.RequestID, error) {
	raw, _ := cmd.Flags().GetString(flagRequestID)
	return ledger.NewRequestID(raw)
}

func correlationFlags(cmd *cobra.Command) (ledger.EntryCorrelation, error) {
	var correlation ledger.EntryCorrelation
	if raw, _ := cmd.Flags().GetString(flagRequestID); raw != "" {
		requestID, err := ledger.NewRequestID(raw)
		if err != nil {
			return ledger.EntryCorrelation{}, err
		}
		correlation.RequestID = requestID
	}
	correlation.OrderID, _ = cmd.Flags().GetString(flagOrderID)
	correlation.TaskID, _ = cmd.Flags().GetString(flagTaskID)
	rawMetadata, _ := cmd.Flags().GetString(flagMetadata)
	metadata, err := ledger.NewMetadataJSON(rawMetadata)
	if err != nil {
		return ledger.EntryCorrelation{}, err
	}
	correlation.Metadata = metadata
	return correlation, nil
}

func printJSON(writer io.Writer, value interface{}) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
