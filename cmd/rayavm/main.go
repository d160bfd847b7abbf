// Command rayavm loads a compiled module, runs its entry function to
// completion, and optionally snapshots or restores VM context state across
// runs. Flags are parsed with stdlib flag, then the context/scheduler are
// constructed and the process blocks until the run finishes or a shutdown
// signal arrives.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rizqme/raya-sub003/capability"
	"github.com/rizqme/raya-sub003/module"
	"github.com/rizqme/raya-sub003/runtimeconfig"
	"github.com/rizqme/raya-sub003/snapshot"
	"github.com/rizqme/raya-sub003/value"
	"github.com/rizqme/raya-sub003/vmcontext"
)

func main() {
	modulePath := flag.String("module", "", "Path to a compiled module binary")
	entry := flag.String("entry", "main", "Entry function name to run")
	configPath := flag.String("config", "", "Path to a runtimeconfig YAML file")
	restorePath := flag.String("restore", "", "Path to a snapshot to restore instead of running -module")
	snapshotOut := flag.String("snapshot-out", "", "Path to write a snapshot to on shutdown")
	workers := flag.Int("workers", 0, "Worker count (0 = number of CPUs)")
	flag.Parse()

	cfg := runtimeconfig.Default()
	if *configPath != "" {
		loaded, err := runtimeconfig.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	n := *workers
	if n <= 0 {
		n = cfg.Workers
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}

	perms, err := cfg.PermissionSet()
	if err != nil {
		log.Fatalf("Failed to resolve permissions: %v", err)
	}

	ctx, err := vmcontext.New(vmcontext.Options{
		Name:        "rayavm",
		Workers:     n,
		Limits:      cfg.Limits(),
		Permissions: perms,
	})
	if err != nil {
		log.Fatalf("Failed to create VM context: %v", err)
	}
	capability.RegisterCrypto(ctx.Caps(), ctx.Heap())

	if *restorePath != "" {
		log.Printf("Restoring snapshot: %s", *restorePath)
		f, err := os.Open(*restorePath)
		if err != nil {
			log.Fatalf("Failed to open snapshot: %v", err)
		}
		info, err := snapshot.NewReader(f).Restore(ctx)
		f.Close()
		if err != nil {
			log.Fatalf("Failed to restore snapshot: %v", err)
		}
		log.Printf("Restored snapshot, entry module %q", info.EntryModuleName)
	} else {
		if *modulePath == "" {
			log.Fatalf("Either -module or -restore is required")
		}
		log.Printf("Loading module: %s", *modulePath)
		f, err := os.Open(*modulePath)
		if err != nil {
			log.Fatalf("Failed to open module: %v", err)
		}
		mod, err := module.NewReader(f).Read()
		f.Close()
		if err != nil {
			log.Fatalf("Failed to load module: %v", err)
		}
		if err := ctx.LoadModule(mod); err != nil {
			log.Fatalf("Failed to verify module: %v", err)
		}
		log.Printf("Loaded module %q: %d functions, %d types", mod.Name, len(mod.Functions), len(mod.Types))
	}

	ctx.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if *restorePath == "" {
		t, err := ctx.Spawn(ctx.EntryModuleName(), *entry, []value.Value{})
		if err != nil {
			log.Fatalf("Failed to spawn entry task %q: %v", *entry, err)
		}
		go func() {
			result, err := ctx.Await(t)
			if err != nil {
				log.Printf("Task %q failed: %v", *entry, err)
			} else {
				log.Printf("Task %q completed: %v", *entry, result)
			}
			sigCh <- os.Interrupt
		}()
	}

	<-sigCh
	log.Printf("Shutting down")

	if *snapshotOut != "" {
		if err := writeSnapshot(ctx, *snapshotOut); err != nil {
			log.Printf("Failed to write snapshot: %v", err)
		} else {
			log.Printf("Snapshot written: %s", *snapshotOut)
		}
	}

	ctx.Terminate()
}

func writeSnapshot(ctx *vmcontext.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Every worker must be parked at a safepoint while the dump walks the
	// heap and task registry.
	var werr error
	ctx.Pause(func() {
		werr = snapshot.NewWriter(f).Write(ctx)
	})
	if werr != nil {
		return werr
	}

	stats := ctx.Stats()
	return snapshot.WriteManifestFile(path+".manifest.yaml", snapshot.Manifest{
		FormatVersion: snapshot.FormatVersion,
		EntryModule:   ctx.EntryModuleName(),
		CreatedAtUnix: time.Now().Unix(),
		TaskCount:     int(stats.LiveTasks),
	})
}
