// Package rip archives directories into portable ZIP files.
//
// Each source directory becomes one archive. Names are rewritten so the
// archive extracts cleanly on Windows, macOS and Linux: every path is NFC
// normalized UTF-8 with the UTF-8 flag set, characters illegal on any of
// those systems are replaced, reserved device names are escaped, long
// segments are shortened and names that end up equal get numbered.
//
// Nothing outside the source directory can reach an archive. Parent
// references are refused and symlinks are followed only when they resolve
// inside the source, never into a directory being walked.
//
// Size limits keep every archive within the classic ZIP format. Files over
// the per-file cap are skipped; once the archive cap would be exceeded,
// admission stops and the archive is finalized with what it holds.
//
// # Quick Start
//
// Archive directories next to themselves:
//
//	summary := rip.Run(ctx, []string{"./photos", "./notes"},
//	    rip.WithLogger(logger),
//	)
//	os.Exit(summary.ExitCode(rip.ExitOnAllFailed))
//
// Stream one archive to any writer:
//
//	res, err := rip.Create(ctx, "./photos", w, rip.WithStore())
//
// # Diagnostics
//
// The package prints nothing. Skipped entries, truncation and failures are
// reported as [Event] values to the function given to [WithEventHandler]
// and mirrored to the [WithLogger] logger.
package rip
