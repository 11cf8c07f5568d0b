package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/reconcile"
	"github.com/pavelanni/flashtest/internal/store"
	"github.com/pavelanni/flashtest/internal/xlsx"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the result workbook of a finished session",
		RunE:  runExport,
	}
	commonFlags(cmd)
	f := cmd.Flags()
	f.String("session", "", "Session ID (default: the latest finished session)")
	f.StringP("output", "o", ".", "Output directory")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Merge hand-edited marks from a result workbook",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	commonFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "Also write the reconciled workbook to this directory")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	sess, err := findFinishedSession(ctx, db, v.GetString("session"))
	if err != nil {
		return err
	}
	path, err := writeExport(ctx, db, sess, v.GetString("lang"), v.GetString("output"))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	doc, err := xlsx.New(v.GetString("lang")).ParseExport(filepath.Base(args[0]), data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	res, err := reconcile.New(db, nil).Merge(ctx, doc)
	if err != nil {
		return fmt.Errorf("merge %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "updated %d runs of %q\n", len(res.Updated), res.Test.Name)
	if len(res.Skipped) > 0 {
		fmt.Fprintf(out, "skipped unknown students: %s\n", strings.Join(res.Skipped, ", "))
	}
	if dir := v.GetString("output"); dir != "" {
		path, err := writeExport(ctx, db, res.Session, v.GetString("lang"), dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, path)
	}
	return nil
}

// findFinishedSession returns the session with the given ID, or the latest
// finished one when id is empty.
func findFinishedSession(ctx context.Context, db *store.Store, id string) (*model.Session, error) {
	if id == "" {
		sessions, err := db.ListSessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range sessions {
			if s.Finished() {
				id = s.ID
				break
			}
		}
		if id == "" {
			return nil, fmt.Errorf("%w: no finished session", model.ErrNotFound)
		}
	}
	sess, err := db.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, id)
	}
	return sess, nil
}

func writeExport(ctx context.Context, db *store.Store, sess *model.Session, lang, dir string) (string, error) {
	doc, err := reconcile.New(db, nil).ToExportDocument(ctx, sess)
	if err != nil {
		return "", err
	}
	data, err := xlsx.New(lang).RenderExport(doc)
	if err != nil {
		return "", fmt.Errorf("render export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, model.ExportFileName(doc.TestName, *sess.FinishTime))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("wrote export", "path", path, "session_id", sess.ID)
	return path, nil
}
