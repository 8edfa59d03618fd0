package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"microfit/pkg/config"
	"microfit/pkg/eval"
	"microfit/pkg/lut"
	"microfit/pkg/model"
	"microfit/pkg/scheme"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	studyPath := flag.String("study", "", "Directory containing the study subjects")
	subject := flag.String("subject", "", "Subject folder, relative to the study directory")
	modelName := flag.String("model", "", "Model to fit (see -list-models)")
	dwiFile := flag.String("dwi", "", "Diffusion signal filename, relative to the subject folder")
	schemeFile := flag.String("scheme", "", "Acquisition scheme filename, relative to the subject folder")
	maskFile := flag.String("mask", "", "Binary mask filename, relative to the subject folder")
	peaksFile := flag.String("peaks", "", "Precomputed peaks filename, relative to the subject folder")
	numWorkers := flag.Int("workers", 0, "Number of voxels fitted concurrently (default: one per CPU core)")
	nrmse := flag.Bool("nrmse", false, "Compute the voxel-wise fitting error map")
	regenerate := flag.Bool("regenerate", false, "Force kernel regeneration even when a cached set exists")
	suffix := flag.String("suffix", "", "Suffix appended to the results directory name")
	lmax := flag.Int("lmax", 0, "Maximum spherical-harmonic order (overrides the configuration)")
	setup := flag.Bool("setup", false, "Precompute the spherical-harmonic tables and exit")
	inspectScheme := flag.String("inspect-scheme", "", "Print a summary of the given scheme file and exit")
	listModels := flag.Bool("list-models", false, "List the registered models and exit")
	initConfig := flag.String("init-config", "", "Write a default configuration file to the given path and exit")
	quiet := flag.Bool("quiet", false, "Suppress per-stage progress output")
	flag.Parse()

	if *listModels {
		fmt.Println("Registered models:")
		for _, name := range model.Names() {
			fmt.Printf("  %s\n", name)
		}
		return
	}

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to create configuration file: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *initConfig)
		return
	}

	// Load configuration and apply command line overrides
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *studyPath != "" {
		cfg.Data.StudyPath = *studyPath
	}
	if *subject != "" {
		cfg.Data.Subject = *subject
	}
	if *modelName != "" {
		cfg.Fitting.Model = *modelName
	}
	if *dwiFile != "" {
		cfg.Data.DWIFilename = *dwiFile
	}
	if *schemeFile != "" {
		cfg.Data.SchemeFilename = *schemeFile
	}
	if *maskFile != "" {
		cfg.Data.MaskFilename = *maskFile
	}
	if *peaksFile != "" {
		cfg.Data.PeaksFilename = *peaksFile
	}
	if *numWorkers > 0 {
		cfg.Fitting.NumWorkers = *numWorkers
	}
	if *nrmse {
		cfg.Fitting.ComputeNRMSE = true
	}
	if *regenerate {
		cfg.Kernels.Regenerate = true
	}
	if *suffix != "" {
		cfg.Fitting.OutputSuffix = *suffix
	}
	if *lmax > 0 {
		cfg.Kernels.Lmax = *lmax
	}
	if *quiet {
		cfg.Verbose = false
	}

	if *inspectScheme != "" {
		s, err := scheme.Load(*inspectScheme, cfg.Data.B0Threshold)
		if err != nil {
			log.Fatalf("Failed to load scheme: %v", err)
		}
		fmt.Println(s.Summary())
		for _, sh := range s.Shells {
			fmt.Printf("  b=%.1f: %d samples\n", sh.B, len(sh.Indices))
		}
		return
	}

	if *setup {
		fmt.Printf("Precomputing rotation tables (lmax=%d) in: %s\n", cfg.Kernels.Lmax, cfg.Kernels.TableDir)
		if err := lut.Setup(cfg.Kernels.TableDir, cfg.Kernels.Lmax); err != nil {
			log.Fatalf("Table setup failed: %v", err)
		}
		fmt.Println("Setup completed!")
		return
	}

	// Validate inputs
	if cfg.Data.StudyPath == "" || cfg.Data.Subject == "" {
		flag.Usage()
		os.Exit(1)
	}

	if cfg.Verbose {
		fmt.Println("================================")
		fmt.Println("MICROSTRUCTURE MODEL FITTING FOR DIFFUSION MRI")
		fmt.Println("================================")
	}

	// A Ctrl-C stops the fit between voxels instead of killing the process
	// mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ev := eval.New(cfg)
	startTime := time.Now()
	if err := ev.LoadData(); err != nil {
		log.Fatalf("Loading data failed: %v", err)
	}
	if err := ev.SetModel(cfg.Fitting.Model); err != nil {
		log.Fatalf("Selecting model failed: %v", err)
	}
	if err := ev.GenerateKernels(); err != nil {
		log.Fatalf("Kernel generation failed: %v", err)
	}
	if err := ev.LoadKernels(); err != nil {
		log.Fatalf("Kernel resampling failed: %v", err)
	}
	if err := ev.Fit(ctx); err != nil {
		log.Fatalf("Model fitting failed: %v", err)
	}
	if err := ev.SaveResults(); err != nil {
		log.Fatalf("Saving results failed: %v", err)
	}

	fmt.Printf("\nPipeline completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
}
