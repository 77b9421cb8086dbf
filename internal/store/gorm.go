package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

// GormStore is the shared-pool, gorm-backed implementation of Store.
// Unlike the historical pattern of opening a connection per query
// (spec.md §9), one *gorm.DB connection pool lives for the process
// lifetime and is reused by every call.
type GormStore struct {
	db *gorm.DB
	// mu serializes the read-modify-write sections (port allocation,
	// instance creation) that gorm's row-level locking alone doesn't
	// make atomic against SQLite's single-writer model.
	mu sync.Mutex
}

// Open connects to the embedded database named by path. A path beginning
// with "postgres://" selects the Postgres driver; anything else is
// treated as a SQLite file path and its parent directory is created if
// missing.
func Open(path string) (*GormStore, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://") {
		dialector = postgres.Open(path)
	} else {
		if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("open store: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Migrate runs the additive, idempotent schema migrations described in
// spec.md §4.1 and §9. See migrate.go.
func (s *GormStore) Migrate() error {
	return runMigrations(s.db)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateInstance inserts a new Instance row into the table selected by
// its Kind. A duplicate port among live instances surfaces as a conflict
// naming the "port" field (spec.md §3 invariant 1, §4.1).
func (s *GormStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conflict, err := s.portInUseLocked(tx, inst.Port, inst.ID)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Conflict("port", fmt.Sprintf("port %d already in use", inst.Port))
		}

		switch inst.Kind {
		case types.KindVLLM:
			row, err := vllmRowFromInstance(inst)
			if err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return mapCreateErr(err)
			}
		case types.KindOllama:
			row, err := ollamaRowFromInstance(inst)
			if err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				return mapCreateErr(err)
			}
		default:
			return apperr.New(apperr.KindValidation, "unknown instance kind")
		}
		return nil
	})
}

func mapCreateErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate key") {
		return apperr.Conflict("id", "instance already exists")
	}
	return apperr.Wrap(apperr.KindInternal, "create instance", err)
}

// portInUseLocked reports whether port is held by a live instance other
// than excludeID, across both instance tables. Caller holds s.mu.
func (s *GormStore) portInUseLocked(tx *gorm.DB, port int, excludeID uuid.UUID) (bool, error) {
	if port == 0 {
		return false, nil
	}
	var count int64
	if err := tx.Model(&vllmInstanceRow{}).
		Where("port = ? AND status != ? AND id != ?", port, string(types.StatusRemoved), excludeID).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := tx.Model(&ollamaInstanceRow{}).
		Where("port = ? AND status != ? AND id != ?", port, string(types.StatusRemoved), excludeID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateInstance applies a partial update to the Instance identified by
// id, regardless of which table it lives in.
func (s *GormStore) UpdateInstance(ctx context.Context, id uuid.UUID, patch InstancePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		kind, err := s.kindOfLocked(tx, id)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at": time.Now().UTC()}
		if patch.Name != nil {
			updates["name"] = *patch.Name
		}
		if patch.Port != nil {
			updates["port"] = *patch.Port
		}
		if patch.ContainerID != nil {
			updates["container_id"] = *patch.ContainerID
		}
		if patch.Status != nil {
			updates["status"] = string(*patch.Status)
		}
		if patch.GPUID != nil {
			updates["gpu_id"] = *patch.GPUID
		}

		switch kind {
		case types.KindVLLM:
			if patch.VLLM != nil || patch.Import != nil {
				var row vllmInstanceRow
				if err := tx.First(&row, "id = ?", id).Error; err != nil {
					return err
				}
				inst, err := instanceFromVLLMRow(&row)
				if err != nil {
					return err
				}
				if patch.VLLM != nil {
					inst.VLLM = *patch.VLLM
				}
				if patch.Import != nil {
					inst.Import = *patch.Import
				}
				blob, err := vllmRowFromInstance(inst)
				if err != nil {
					return err
				}
				updates["config_json"] = blob.ConfigJSON
			}
			res := tx.Model(&vllmInstanceRow{}).Where("id = ?", id).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.ErrNotFound
			}
		case types.KindOllama:
			if patch.Ollama != nil || patch.Import != nil {
				var row ollamaInstanceRow
				if err := tx.First(&row, "id = ?", id).Error; err != nil {
					return err
				}
				inst, err := instanceFromOllamaRow(&row)
				if err != nil {
					return err
				}
				if patch.Ollama != nil {
					inst.Ollama = *patch.Ollama
				}
				if patch.Import != nil {
					inst.Import = *patch.Import
				}
				blob, err := ollamaRowFromInstance(inst)
				if err != nil {
					return err
				}
				updates["config_json"] = blob.ConfigJSON
			}
			res := tx.Model(&ollamaInstanceRow{}).Where("id = ?", id).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.ErrNotFound
			}
		}
		return nil
	})
}

// kindOfLocked determines which table holds id. Caller holds s.mu.
func (s *GormStore) kindOfLocked(tx *gorm.DB, id uuid.UUID) (types.Kind, error) {
	var count int64
	if err := tx.Model(&vllmInstanceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return types.KindVLLM, nil
	}
	if err := tx.Model(&ollamaInstanceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return "", err
	}
	if count > 0 {
		return types.KindOllama, nil
	}
	return "", apperr.ErrNotFound
}

// DeleteInstance removes the Instance row and, for Ollama instances,
// cascades to its model records (spec.md §3 invariant 4, §4.1).
func (s *GormStore) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		kind, err := s.kindOfLocked(tx, id)
		if err != nil {
			return err
		}
		switch kind {
		case types.KindVLLM:
			if err := tx.Delete(&vllmInstanceRow{}, "id = ?", id).Error; err != nil {
				return err
			}
		case types.KindOllama:
			if err := tx.Delete(&ollamaModelRow{}, "instance_id = ?", id).Error; err != nil {
				return err
			}
			if err := tx.Delete(&ollamaInstanceRow{}, "id = ?", id).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetInstance looks up an Instance by id across both tables.
func (s *GormStore) GetInstance(ctx context.Context, id uuid.UUID) (*types.Instance, error) {
	db := s.db.WithContext(ctx)

	var vrow vllmInstanceRow
	err := db.First(&vrow, "id = ?", id).Error
	if err == nil {
		return instanceFromVLLMRow(&vrow)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var orow ollamaInstanceRow
	err = db.First(&orow, "id = ?", id).Error
	if err == nil {
		return instanceFromOllamaRow(&orow)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, apperr.ErrNotFound
}

// ListInstances returns stored records, optionally filtered by kind
// and/or status. An empty Kind/Status means "any".
func (s *GormStore) ListInstances(ctx context.Context, kind types.Kind, status types.Status) ([]*types.Instance, error) {
	db := s.db.WithContext(ctx)
	var out []*types.Instance

	if kind == "" || kind == types.KindVLLM {
		q := db.Model(&vllmInstanceRow{})
		if status != "" {
			q = q.Where("status = ?", string(status))
		}
		var rows []vllmInstanceRow
		if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			inst, err := instanceFromVLLMRow(&rows[i])
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
	}

	if kind == "" || kind == types.KindOllama {
		q := db.Model(&ollamaInstanceRow{})
		if status != "" {
			q = q.Where("status = ?", string(status))
		}
		var rows []ollamaInstanceRow
		if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		for i := range rows {
			inst, err := instanceFromOllamaRow(&rows[i])
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
	}

	return out, nil
}

// ReservePort inserts a reservation row, failing with ErrAlreadyTaken if
// the port row already exists (spec.md §4.1).
func (s *GormStore) ReservePort(ctx context.Context, port int, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := portReservationRow{Port: port, InstanceID: instanceID, AllocatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "reserve port", err)
	}

	// OnConflict DoNothing succeeds silently on a duplicate primary key;
	// detect that case explicitly so callers get already_taken.
	var existing portReservationRow
	if err := s.db.WithContext(ctx).First(&existing, "port = ?", port).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "reserve port", err)
	}
	if existing.InstanceID != instanceID {
		return apperr.ErrAlreadyTaken
	}
	return nil
}

// ReleasePort deletes the reservation row for port, if any.
func (s *GormStore) ReleasePort(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Delete(&portReservationRow{}, "port = ?", port).Error
}

// ListReservations returns every reservation row.
func (s *GormStore) ListReservations(ctx context.Context) ([]*types.PortReservation, error) {
	var rows []portReservationRow
	if err := s.db.WithContext(ctx).Order("port asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.PortReservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.PortReservation{Port: r.Port, InstanceID: r.InstanceID, AllocatedAt: r.AllocatedAt})
	}
	return out, nil
}

// LookupPort returns the port reserved for instanceID, if any.
func (s *GormStore) LookupPort(ctx context.Context, instanceID uuid.UUID) (int, bool, error) {
	var row portReservationRow
	err := s.db.WithContext(ctx).First(&row, "instance_id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Port, true, nil
}

// ListModels returns the Ollama model records attached to instanceID.
func (s *GormStore) ListModels(ctx context.Context, instanceID uuid.UUID) ([]*types.OllamaModel, error) {
	var rows []ollamaModelRow
	if err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("modified_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.OllamaModel, 0, len(rows))
	for i := range rows {
		out = append(out, modelFromRow(&rows[i]))
	}
	return out, nil
}

// UpsertModel inserts or updates a model record keyed by (instance_id, name).
func (s *GormStore) UpsertModel(ctx context.Context, m *types.OllamaModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := rowFromModel(m)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ollamaModelRow
		err := tx.First(&existing, "instance_id = ? AND name = ?", row.InstanceID, row.Name).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if row.ID == uuid.Nil {
				row.ID = uuid.New()
			}
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&ollamaModelRow{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"status": row.Status, "size": row.Size, "digest": row.Digest, "modified_at": row.ModifiedAt,
		}).Error
	})
}

// DeleteModel removes the named model record from instanceID.
func (s *GormStore) DeleteModel(ctx context.Context, instanceID uuid.UUID, name string) error {
	res := s.db.WithContext(ctx).Delete(&ollamaModelRow{}, "instance_id = ? AND name = ?", instanceID, name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// GetSetting returns the stored value for key, if any.
func (s *GormStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row settingRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

// SetSetting upserts key to value.
func (s *GormStore) SetSetting(ctx context.Context, key, value string) error {
	row := settingRow{Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

var _ Store = (*GormStore)(nil)
