package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/annel0/blockedit/internal/auth"
	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/logging"
	"github.com/annel0/blockedit/internal/rollback"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	dataPath string
	dsn      string
	actorArg string
	worldArg string
	sinceArg string
	limitArg int
	dryRun   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "history-cli",
		Short: "Просмотр и обслуживание журнала отката редактора блоков",
	}
	rootCmd.PersistentFlags().StringVar(&dataPath, "data", "data", "каталог данных BadgerDB")
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "DSN MariaDB (вместо --data)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Список записей журнала, от новых к старым",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&actorArg, "actor", "", "UUID актора")
	listCmd.Flags().StringVar(&worldArg, "world", "", "мир")
	listCmd.Flags().StringVar(&sinceArg, "since", "", "только за последний период (1h, 2d)")
	listCmd.Flags().IntVar(&limitArg, "limit", 100, "максимум записей")

	inspectCmd := &cobra.Command{
		Use:   "inspect <world/actor-index>",
		Short: "Показать записи набора и дамп тела",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge <older-than>",
		Short: "Удалить записи старше периода (например, 30d)",
		Args:  cobra.ExactArgs(1),
		RunE:  runPurge,
	}
	purgeCmd.Flags().StringVar(&worldArg, "world", "", "только этот мир")
	purgeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "только посчитать")

	hashCmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "bcrypt-хеш пароля оператора для конфигурации",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}

	secretCmd := &cobra.Command{
		Use:   "jwt-secret",
		Short: "Сгенерировать JWT секрет",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(auth.GenerateSecureSecret())
		},
	}

	rootCmd.AddCommand(listCmd, inspectCmd, purgeCmd, hashCmd, secretCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func openStore() (rollback.Store, error) {
	log := logging.NewNop()
	if dsn != "" {
		return rollback.NewMariaStore(dsn, log)
	}
	return rollback.NewBadgerStore(dataPath, log)
}

func runList(cmd *cobra.Command, args []string) error {
	q := rollback.Query{World: worldArg, Descending: true}
	if actorArg != "" {
		id, err := uuid.Parse(actorArg)
		if err != nil {
			return fmt.Errorf("неверный UUID актора: %w", err)
		}
		q.Actor = id
	}
	if sinceArg != "" {
		d, err := rollback.ParseDuration(sinceArg)
		if err != nil {
			return err
		}
		q.After = time.Now().Add(-d)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cur := store.Query(cmd.Context(), q)
	defer cur.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTART\tBLOCKS\tBOUNDS")
	n := 0
	for n < limitArg && cur.Next() {
		r := cur.Record()
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID(), r.Header.Start.Format(timeFormat), r.Header.EntryCount, r.Header.Bounds)
		n++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return cur.Err()
}

// parseRecordID разбирает world/actor-index
func parseRecordID(s string) (string, uuid.UUID, uint64, error) {
	slash := strings.LastIndex(s, "/")
	dash := strings.LastIndex(s, "-")
	if slash <= 0 || dash <= slash {
		return "", uuid.Nil, 0, fmt.Errorf("ожидается world/actor-index, получено %q", s)
	}
	id, err := uuid.Parse(s[slash+1 : dash])
	if err != nil {
		return "", uuid.Nil, 0, fmt.Errorf("неверный UUID актора: %w", err)
	}
	index, err := strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return "", uuid.Nil, 0, fmt.Errorf("неверный индекс записи: %w", err)
	}
	return s[:slash], id, index, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	worldName, actorID, index, err := parseRecordID(args[0])
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	cur := store.Query(ctx, rollback.Query{Actor: actorID, World: worldName})
	defer cur.Close()
	for cur.Next() {
		if r := cur.Record(); r.Index == index {
			return printRecord(ctx, r)
		}
	}
	if err := cur.Err(); err != nil {
		return err
	}
	return fmt.Errorf("запись %s не найдена", args[0])
}

func printRecord(ctx context.Context, r *rollback.Record) error {
	cs, err := r.ChangeSet(ctx)
	if err != nil {
		return err
	}
	first, last := cs.SeqRange()
	fmt.Printf("Запись:   %s\n", r.ID())
	fmt.Printf("Период:   %s .. %s\n", cs.Start().Format(timeFormat), cs.End().Format(timeFormat))
	fmt.Printf("Seq:      %d..%d\n", first, last)
	fmt.Printf("Область:  %s\n", cs.Bounds())
	fmt.Printf("Блоков:   %d\n\n", cs.Len())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tOLD\tNEW")
	cs.Each(func(e changeset.Entry) bool {
		fmt.Fprintf(w, "%s\t%d\t%d\n", e.Pos, e.Old, e.New)
		return true
	})
	if err := w.Flush(); err != nil {
		return err
	}

	data, err := changeset.Encode(cs)
	if err != nil {
		return err
	}
	fmt.Printf("\nТело (%d байт):\n%s\n", len(data), logging.HexDump(data))
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	d, err := rollback.ParseDuration(args[0])
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-d)

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	cur := store.Query(ctx, rollback.Query{World: worldArg})
	defer cur.Close()

	purged := 0
	for cur.Next() {
		r := cur.Record()
		if !r.Header.Start.Before(cutoff) {
			continue
		}
		if !dryRun {
			if err := store.Delete(ctx, r); err != nil {
				return fmt.Errorf("удаление %s: %w", r.ID(), err)
			}
		}
		purged++
	}
	if err := cur.Err(); err != nil {
		return err
	}

	verb := "Удалено"
	if dryRun {
		verb = "Будет удалено"
	}
	fmt.Printf("%s записей: %d (старше %s)\n", verb, purged, cutoff.Format(timeFormat))
	return nil
}
