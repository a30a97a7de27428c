package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"example.com/paywall-go/internal/catalog"
	"example.com/paywall-go/internal/checkout"
	"example.com/paywall-go/internal/lifecycle"
	"example.com/paywall-go/internal/variables"
	"example.com/paywall-go/pkg/paywall"
)

// withSession opens a session for the duration of run.
func withSession(opts *rootOptions, run func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		s, err := opts.open(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return run(ctx, cmd, s, args)
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the visitor, the current selection and the event queue",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
			out := cmd.OutOrStdout()
			uid, _ := s.sdk.UserID(ctx)
			fmt.Fprintln(out, "Paywall Status")
			fmt.Fprintln(out, strings.Repeat("=", 40))
			fmt.Fprintf(out, "  Store:      %s %s\n", s.cfg.Storage.Driver, s.cfg.Storage.DSN)
			fmt.Fprintf(out, "  Backend:    %s\n", s.cfg.BaseURL)
			fmt.Fprintf(out, "  User:       %s\n", valueOrDefault(uid, "-"))
			fmt.Fprintf(out, "  Hashed:     %s\n", valueOrDefault(s.sdk.HashedUserID(ctx), "-"))
			if link, ok := s.sdk.DeepLink(ctx); ok {
				fmt.Fprintf(out, "  Deep link:  %s\n", link)
			}

			fmt.Fprintln(out, "\nSelection:")
			if p := s.sdk.CurrentPlacement(); p != nil {
				fmt.Fprintf(out, "  Placement:  %s (%s)\n", p.Identifier, p.ID)
			} else {
				fmt.Fprintln(out, "  Placement:  none")
			}
			if b := s.sdk.CurrentBundle(); b != nil {
				fmt.Fprintf(out, "  Bundle:     %s\n", b.ID)
			}
			if p := s.sdk.CurrentProduct(); p != nil {
				fmt.Fprintf(out, "  Product:    %s (%s)\n", p.BasePlanID, p.Store)
			}
			for _, p := range s.sdk.AvailableProviders() {
				marker := " "
				if cur := s.sdk.CurrentProvider(); cur != nil && cur.Kind == p.Kind {
					marker = "*"
				}
				fmt.Fprintf(out, "  %s %-8s %s\n", marker, p.Kind, p.ID)
			}

			fmt.Fprintln(out, "\nPlacements:")
			for _, p := range s.sdk.Placements() {
				pw, ok := p.Paywall()
				if !ok {
					fmt.Fprintf(out, "  %-12s (no paywall)\n", p.Identifier)
					continue
				}
				fmt.Fprintf(out, "  %-12s %d bundle(s)\n", p.Identifier, len(pw.Items))
			}

			fmt.Fprintf(out, "\nQueued events: %d\n", len(s.sdk.QueuedEvents()))
			return nil
		}),
	}
}

func selectCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "select <placement> <bundle-index>",
		Short: "Select a bundle of a placement",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bundle index %q: %w", args[1], err)
			}
			s.sdk.On(lifecycle.ProductChanged, func(ev lifecycle.Event) {
				if p, ok := ev.Payload.(*catalog.Product); ok && p != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "product changed: %s (%s)\n", p.BasePlanID, ev.Provider)
				}
			})
			return s.sdk.SelectPlacementProduct(ctx, args[0], idx)
		}),
	}
}

func trackCmd(opts *rootOptions) *cobra.Command {
	var userProps []string
	cmd := &cobra.Command{
		Use:   "track <event> [key=value...]",
		Short: "Track an analytics event",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(opts, func(_ context.Context, cmd *cobra.Command, s *session, args []string) error {
			props, err := parsePairs(args[1:])
			if err != nil {
				return err
			}
			user, err := parsePairs(userProps)
			if err != nil {
				return err
			}
			if !s.sdk.Track(args[0], props, user) {
				return errors.New("event was not queued")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracked %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringSliceVarP(&userProps, "user", "u", nil, "user property as key=value")
	return cmd
}

func varsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "vars <key-path>...",
		Short: "Resolve page variables against the current selection",
		Args:  cobra.MinimumNArgs(1),
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, args []string) error {
			page := &variables.MapPage{Names: args}
			if err := s.sdk.OperateVariables(ctx, page); err != nil {
				return err
			}
			keys := append([]string(nil), args...)
			sort.Strings(keys)
			for _, k := range keys {
				v, ok := page.Values[k]
				if !ok {
					v = "(unresolved)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", k, v)
			}
			return nil
		}),
	}
}

func checkoutCmd(opts *rootOptions) *cobra.Command {
	var (
		provider      string
		product       string
		formID        string
		paymentMethod string
		returnURL     string
		complete      bool
	)
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Show the payment form for the current product and submit it",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
			kind := catalog.ProviderKind(provider)
			if provider != "" && !kind.Valid() {
				return fmt.Errorf("unknown payment provider %q", provider)
			}
			s.paddle.complete = complete

			failed := make(chan error, 1)
			s.sdk.On(lifecycle.PaymentFailure, func(ev lifecycle.Event) {
				if f, ok := ev.Payload.(checkout.Failure); ok {
					select {
					case failed <- f.Error:
					default:
					}
				}
			})

			err := s.sdk.PaymentForm(ctx, paywall.Options{PaymentProvider: kind, ID: formID}, product)
			if err != nil {
				return err
			}
			cur := s.sdk.CurrentProvider()
			if cur == nil || cur.Kind != catalog.ProviderStripe {
				return firstFailure(failed)
			}
			if err := s.sdk.Submit(ctx, paywall.Submission{PaymentMethodID: paymentMethod, ReturnURL: returnURL}); err != nil {
				return err
			}
			return firstFailure(failed)
		}),
	}
	f := cmd.Flags()
	f.StringVarP(&provider, "provider", "p", "", "preferred payment provider (stripe or paddle)")
	f.StringVar(&product, "product", "", "override the product's base plan id")
	f.StringVar(&formID, "form-id", "paddle-checkout", "element id of the embedded Paddle frame")
	f.StringVar(&paymentMethod, "payment-method", "pm_card_visa", "Stripe payment method id")
	f.StringVar(&returnURL, "return-url", "", "Stripe return URL; defaults to the success URL")
	f.BoolVar(&complete, "complete", false, "simulate a completed Paddle checkout")
	return cmd
}

func firstFailure(failed <-chan error) error {
	select {
	case err := <-failed:
		return fmt.Errorf("payment failed: %w", err)
	default:
		return nil
	}
}

func resetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the visitor and drop queued events",
		Args:  cobra.NoArgs,
		RunE: withSession(opts, func(ctx context.Context, cmd *cobra.Command, s *session, _ []string) error {
			if err := s.sdk.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "visitor reset")
			return nil
		}),
	}
}

func parsePairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out, nil
}
