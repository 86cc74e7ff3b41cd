package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/tendant/simple-invoice-cropper/internal/client"
	"github.com/tendant/simple-invoice-cropper/internal/export"
	"github.com/tendant/simple-invoice-cropper/internal/img"
	"github.com/tendant/simple-invoice-cropper/internal/process"
	"github.com/tendant/simple-invoice-cropper/internal/tracker"
	"github.com/tendant/simple-invoice-cropper/internal/upload"
	"github.com/tendant/simple-invoice-cropper/pkg/schema"
)

var stdout io.Writer = os.Stdout

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, minArgs int) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < minArgs {
		return errUsage
	}
	return nil
}

func runSubmit(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("submit")
	async := fs.Bool("async", false, "submit asynchronously and return the task id")
	watch := fs.Bool("watch", false, "track async submissions until they settle")
	padding := fs.Int("padding", upload.DefaultCropPadding, "crop padding in pixels (0-50)")
	format := fs.String("format", upload.DefaultOutputFormat, "crop output format (jpg or png)")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}

	mode := process.ModeSync
	if *async {
		mode = process.ModeAsync
	}
	params := upload.Params{CropPadding: *padding, OutputFormat: strings.ToLower(*format)}

	var failed int
	var pending []string
	for _, path := range fs.Args() {
		sub, err := a.submitter.SubmitPath(ctx, path, params, mode)
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "%s\tERROR\t%s\n", filepath.Base(path), describeError(err))
			continue
		}
		rec := sub.Record
		switch {
		case mode == process.ModeSync:
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%d invoices\t%.1fs\n", filepath.Base(path), rec.JobID, rec.Status, len(rec.Invoices), sub.ProcessingTime)
			for _, inv := range rec.Invoices {
				fmt.Fprintf(stdout, "  #%d page %d bbox %v confidence %.2f %s\n", inv.Index, inv.Page, inv.BBox, inv.Confidence, a.api.CroppedPreviewURL(inv.Filename))
			}
		default:
			eta := ""
			if sub.EstimatedTime != nil {
				eta = fmt.Sprintf("\test. %ds", *sub.EstimatedTime)
			}
			fmt.Fprintf(stdout, "%s\t%s\t%s%s\n", filepath.Base(path), rec.JobID, rec.Status, eta)
			if !rec.Status.Terminal() {
				pending = append(pending, rec.JobID)
			}
		}
	}

	if *watch && len(pending) > 0 {
		if err := watchJobs(ctx, a, pending); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, fs.NArg())
	}
	return nil
}

func runStatus(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("status")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	v := a.sync.Poll(ctx, fs.Arg(0))
	printView(stdout, v)
	printInvoices(stdout, a, v.Record)
	return nil
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("watch")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	return watchJobs(ctx, a, fs.Args())
}

func watchJobs(ctx context.Context, a *app, ids []string) error {
	var mu sync.Mutex
	handles := make([]*tracker.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, a.sync.Track(ctx, id, func(v tracker.View) {
			mu.Lock()
			defer mu.Unlock()
			printView(stdout, v)
		}))
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			for _, h := range handles {
				h.Cancel()
			}
			return ctx.Err()
		}
	}
	for _, h := range handles {
		if v, ok := h.Last(); ok {
			printInvoices(stdout, a, v.Record)
		}
	}
	return nil
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list")
	statusFlag := fs.String("status", "", "only show jobs with this status")
	if err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	statuses, err := parseStatuses(*statusFlag)
	if err != nil {
		return err
	}

	all := a.store.List(ctx)
	recs := process.SortByRecency(process.FilterStatus(all, statuses...))

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tFILE\tSTATUS\tINVOICES\tCREATED\tCOMPLETED")
	for _, r := range recs {
		count := "-"
		if r.InvoiceCount != nil {
			count = fmt.Sprint(*r.InvoiceCount)
		}
		completed := "-"
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.JobID, r.Filename, r.Status, count, r.CreatedAt.Local().Format(time.DateTime), completed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts := process.CountByStatus(all)
	fmt.Fprintf(stdout, "\n%d jobs: %d completed, %d failed, %d processing, %d pending\n",
		len(all), counts[process.JobStatusCompleted], counts[process.JobStatusFailed],
		counts[process.JobStatusProcessing], counts[process.JobStatusPending])
	return nil
}

func runRemove(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("rm")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	for _, id := range fs.Args() {
		if err := a.store.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func runClear(ctx context.Context, a *app, _ []string) error {
	return a.store.Clear(ctx)
}

func runResync(ctx context.Context, a *app, _ []string) error {
	var mu sync.Mutex
	views := a.sync.Resync(ctx, func(v tracker.View) {
		mu.Lock()
		defer mu.Unlock()
		printView(stdout, v)
	})

	ids := make([]string, 0, len(views))
	for id := range views {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(stdout, "resynced %d jobs\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(stdout, "  %s\t%s\n", id, views[id].Status)
	}
	return ctx.Err()
}

func runExport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("export")
	out := fs.String("o", "invoice-history.xlsx", "output workbook path")
	statusFlag := fs.String("status", "", "only export jobs with this status")
	if err := parseFlags(fs, args, 0); err != nil {
		return err
	}
	statuses, err := parseStatuses(*statusFlag)
	if err != nil {
		return err
	}

	data, err := export.NewService(a.store, a.api, a.logger).ExportHistoryXLSX(ctx, statuses...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", *out, len(data))
	return nil
}

func runDownload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("download")
	dir := fs.String("dir", a.cfg.DownloadDir, "download directory")
	original := fs.Bool("original", false, "also download the original pages")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	rec, err := completedRecord(ctx, a, fs.Arg(0))
	if err != nil {
		return err
	}

	jobDir := filepath.Join(*dir, rec.JobID)
	for _, inv := range rec.Invoices {
		path := filepath.Join(jobDir, filepath.Base(inv.Filename))
		if err := downloadTo(ctx, a, a.api.CroppedDownloadURL(inv.Filename), path); err != nil {
			return err
		}
		fmt.Fprintln(stdout, path)
	}
	if *original {
		for _, page := range pagesOf(rec) {
			path := filepath.Join(jobDir, fmt.Sprintf("original_p%d", page))
			if err := downloadTo(ctx, a, a.api.OriginalDownloadURL(rec.JobID, page), path); err != nil {
				return err
			}
			fmt.Fprintln(stdout, path)
		}
	}
	return nil
}

func runPreview(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("preview")
	dir := fs.String("dir", a.cfg.DownloadDir, "output directory")
	padding := fs.Int("padding", -1, "padding for local crops (default: the padding used at submission)")
	size := fs.Int("size", img.DefaultPreviewWidth, "bounding box of crop previews in pixels")
	if err := parseFlags(fs, args, 1); err != nil {
		return err
	}
	rec, err := completedRecord(ctx, a, fs.Arg(0))
	if err != nil {
		return err
	}

	pad := *padding
	if pad < 0 {
		pad = upload.DefaultCropPadding
		if rec.CropPadding != nil {
			pad = *rec.CropPadding
		}
	}

	jobDir := filepath.Join(*dir, rec.JobID)
	for _, page := range pagesOf(rec) {
		pagePath := filepath.Join(jobDir, fmt.Sprintf("page_%d.png", page))
		if err := downloadTo(ctx, a, a.api.OriginalPreviewURL(rec.JobID, page), pagePath); err != nil {
			return err
		}
		out, err := img.RenderOverlay(pagePath, filepath.Join(jobDir, fmt.Sprintf("overlay_%d.png", page)), page, rec.Invoices, pad, filepath.Join(jobDir, "local"))
		if err != nil {
			return fmt.Errorf("render page %d: %w", page, err)
		}
		fmt.Fprintf(stdout, "page %d: %d regions -> %s\n", page, out.Regions, out.Path)
	}

	for _, inv := range rec.Invoices {
		cropPath := filepath.Join(jobDir, filepath.Base(inv.Filename))
		if err := downloadTo(ctx, a, a.api.CroppedPreviewURL(inv.Filename), cropPath); err != nil {
			return err
		}
		out, err := img.GeneratePreview(cropPath, img.PreviewPath(filepath.Join(jobDir, "previews"), inv.Filename), *size, *size)
		if err != nil {
			return fmt.Errorf("preview %s: %w", inv.Filename, err)
		}
		fmt.Fprintf(stdout, "invoice #%d: %dx%d -> %s\n", inv.Index, out.Width, out.Height, out.Path)
	}
	return nil
}

func runEvents(ctx context.Context, a *app, _ []string) error {
	if a.events == nil {
		return errors.New("events require EVENTS_ENABLED=true or the nats store backend")
	}
	var mu sync.Mutex
	sub, err := a.events.SubscribeJobs(func(_ context.Context, evt schema.JobEvent) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(stdout, "%s\t%s\t%d%%\t%s\t%s\n", time.Unix(evt.HappenedAt, 0).Local().Format(time.TimeOnly), evt.JobID, evt.Progress, evt.Status, evt.Source)
	}, func(err error) {
		a.logger.Warn("undecodable job event", "err", err)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.events.Wildcard(), err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	a.logger.Info("listening for job events", "subject", a.events.Wildcard())
	<-ctx.Done()
	return nil
}

func runHealth(ctx context.Context, a *app, _ []string) error {
	h, err := a.api.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\tversion %s\tuptime %v\n", h.Status, h.Version, h.Uptime)
	return nil
}

// completedRecord returns the stored record, refreshing it once when it has not settled.
func completedRecord(ctx context.Context, a *app, jobID string) (process.Record, error) {
	rec, ok := a.store.Get(ctx, jobID)
	if !ok || rec.Status != process.JobStatusCompleted {
		v := a.sync.Poll(ctx, jobID)
		rec = v.Record
	}
	if rec.Status != process.JobStatusCompleted {
		return rec, fmt.Errorf("task %s is %s", jobID, rec.Status)
	}
	return rec, nil
}

func downloadTo(ctx context.Context, a *app, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := a.api.Download(ctx, url, f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("download %s: %w", url, err)
	}
	return f.Close()
}

func pagesOf(rec process.Record) []int {
	seen := make(map[int]bool)
	var pages []int
	for _, inv := range rec.Invoices {
		if !seen[inv.Page] {
			seen[inv.Page] = true
			pages = append(pages, inv.Page)
		}
	}
	sort.Ints(pages)
	return pages
}

func parseStatuses(value string) ([]process.JobStatus, error) {
	if value == "" {
		return nil, nil
	}
	var out []process.JobStatus
	for _, part := range strings.Split(value, ",") {
		st, err := process.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func printView(w io.Writer, v tracker.View) {
	line := fmt.Sprintf("%s\t%s\t%3d%%", v.JobID, v.Status, v.Progress)
	if v.CurrentPage != nil && v.TotalPages != nil {
		line += fmt.Sprintf("\tpage %d/%d", *v.CurrentPage, *v.TotalPages)
	}
	if v.StatusMessage != "" {
		line += "\t" + v.StatusMessage
	}
	switch {
	case v.Source == schema.SourceCache:
		line += "\t(cached: no longer on server)"
	case v.Err != nil:
		line += "\t" + describeError(v.Err)
	}
	fmt.Fprintln(w, line)
}

func printInvoices(w io.Writer, a *app, rec process.Record) {
	for _, inv := range rec.Invoices {
		fmt.Fprintf(w, "  #%d page %d bbox %v confidence %.2f %s\n", inv.Index, inv.Page, inv.BBox, inv.Confidence, a.api.CroppedDownloadURL(inv.Filename))
	}
}

func describeError(err error) string {
	var verr upload.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return client.Message(err)
}
