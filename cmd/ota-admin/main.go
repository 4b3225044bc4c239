package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lgulliver/otagate/internal/common"
	"github.com/lgulliver/otagate/internal/flash"
	"github.com/lgulliver/otagate/internal/history"
	"github.com/lgulliver/otagate/internal/storage"
	"github.com/lgulliver/otagate/pkg/config"
	"github.com/lgulliver/otagate/pkg/types"
	"github.com/lgulliver/otagate/pkg/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	var (
		migrate = flag.Bool("migrate", false, "Create or update the state schema")
		prune   = flag.Int("prune", -1, "Keep only the newest N update attempts")
		recent  = flag.Int("history", 0, "Print the newest N update attempts")
		state   = flag.Bool("state", false, "Print the flash slot table and slot images")
		verify  = flag.Bool("verify", false, "Check the active slot image against its recorded digest")
	)
	flag.Parse()

	if !*migrate && *prune < 0 && *recent <= 0 && !*state && !*verify {
		fmt.Printf("Usage: %s [-migrate] [-prune N] [-history N] [-state] [-verify]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Load configuration
	cfg := config.LoadFromEnv()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	store := history.NewStore(db.DB)

	if *migrate {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		log.Info().Msg("Migrations completed successfully")
	}

	if *prune >= 0 {
		deleted, err := store.Prune(ctx, *prune)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prune update history")
		}
		log.Info().Int64("deleted", deleted).Msg("Prune completed successfully")
	}

	if *recent > 0 {
		attempts, err := store.Recent(ctx, *recent)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list update history")
		}
		if err := printJSON(os.Stdout, attempts); err != nil {
			log.Fatal().Err(err).Msg("Failed to print update history")
		}
	}

	if !*state && !*verify {
		return
	}

	st, err := loadFlashState(ctx, db.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load flash state")
	}
	slots, err := storage.NewLocalStorage(cfg.Flash.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open slot storage")
	}

	if *state {
		images, err := slotReport(ctx, slots)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to inspect slot images")
		}
		out := struct {
			State *types.FlashState `json:"state"`
			Slots []slotImage       `json:"slots"`
		}{State: st, Slots: images}
		if err := printJSON(os.Stdout, out); err != nil {
			log.Fatal().Err(err).Msg("Failed to print flash state")
		}
	}

	if *verify {
		if err := verifyActive(ctx, slots, st); err != nil {
			log.Fatal().Err(err).Int("slot", st.ActiveSlot).Msg("Active slot verification failed")
		}
		log.Info().Int("slot", st.ActiveSlot).Str("digest", st.ActiveDigest).Msg("Active slot verified")
	}
}

// slotImage describes the image file of one slot
type slotImage struct {
	Slot    int    `json:"slot"`
	Path    string `json:"path"`
	Present bool   `json:"present"`
	Size    int64  `json:"size,omitempty"`
}

func slotReport(ctx context.Context, slots storage.SlotStorage) ([]slotImage, error) {
	images := make([]slotImage, 0, 2)
	for slot := 0; slot < 2; slot++ {
		img := slotImage{Slot: slot, Path: flash.SlotPath(slot)}

		present, err := slots.Exists(ctx, img.Path)
		if err != nil {
			return nil, err
		}
		if present {
			img.Present = true
			if img.Size, err = slots.GetSize(ctx, img.Path); err != nil {
				return nil, err
			}
		}
		images = append(images, img)
	}
	return images, nil
}

// verifyActive re-reads the active slot image and compares its SHA256 with
// the digest recorded when it was written.
func verifyActive(ctx context.Context, slots storage.SlotStorage, st *types.FlashState) error {
	if st.ActiveDigest == "" {
		return errors.New("no image has been written to the active slot")
	}

	r, err := slots.Retrieve(ctx, flash.SlotPath(st.ActiveSlot))
	if err != nil {
		return err
	}
	defer r.Close()

	digest, err := utils.ComputeSHA256FromReader(r)
	if err != nil {
		return fmt.Errorf("failed to read slot image: %w", err)
	}
	if digest != st.ActiveDigest {
		return fmt.Errorf("digest mismatch: have %s, recorded %s", digest, st.ActiveDigest)
	}
	return nil
}

// loadFlashState reads the slot table without opening the engine, so no boot
// transition or watchdog runs.
func loadFlashState(ctx context.Context, db *gorm.DB) (*types.FlashState, error) {
	var st types.FlashState
	err := db.WithContext(ctx).First(&st).Error
	if err == gorm.ErrRecordNotFound {
		return &types.FlashState{Phase: types.PhaseIdle, PreviousSlot: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flash state: %w", err)
	}
	return &st, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
