package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

func newDiscoverCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Connect once, run service discovery and print the resolved addresses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.discover(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (r *runtime) discover(ctx context.Context, out io.Writer) error {
	defer func() {
		unloadCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.manager.Unload(unloadCtx); err != nil {
			r.logger.Warn("unload after discovery", "error", err.Error())
		}
	}()
	if err := r.manager.Load(ctx, false); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.Session.ConnectTimeout)
	defer cancel()
	if _, err := r.manager.WaitForState(waitCtx, transport.StateConnected); err != nil {
		return fmt.Errorf("session did not connect: %w", err)
	}
	complete, err := r.manager.DiscoverServices(ctx)
	if err != nil {
		return err
	}
	return printAddresses(out, r.profile.Addresses(), complete)
}

func printAddresses(out io.Writer, addrs models.AddressSet, complete bool) error {
	names := make([]string, 0, len(addrs.Addresses))
	for ext := range addrs.Addresses {
		names = append(names, string(ext))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%-20s %s\n", name, addrs.Address(models.Extension(name)))
	}
	if addrs.MaxUploadSize > 0 {
		fmt.Fprintf(&b, "%-20s %d\n", "max-upload-size", addrs.MaxUploadSize)
	}
	fmt.Fprintf(&b, "%-20s %t\n", "push", addrs.PushSupported)
	if complete {
		b.WriteString("discovery complete\n")
	} else {
		fmt.Fprintf(&b, "missing: %s\n", strings.Join(addrs.Missing(), ", "))
	}
	_, err := io.WriteString(out, b.String())
	return err
}
