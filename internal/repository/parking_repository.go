package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-tracker/internal/domain/parking"
)

const maxPageSize = 100

type Vehicle struct {
	ID        int64     `gorm:"primaryKey"`
	Plate     string    `gorm:"not null;uniqueIndex"`
	OwnerName *string
	Category  string    `gorm:"not null"`
	CreatedAt time.Time
}

type Visit struct {
	ID        int64             `gorm:"primaryKey"`
	VehicleID int64             `gorm:"not null"`
	Plate     string            `gorm:"->"`
	EntryTime time.Time         `gorm:"not null"`
	ExitTime  *time.Time
	ImageRef  *string
	Metadata  datatypes.JSONMap
	CreatedAt time.Time
}

type BillingRecord struct {
	ID        int64      `gorm:"primaryKey"`
	VisitID   int64      `gorm:"not null"`
	Plate     string     `gorm:"not null"`
	EntryTime time.Time  `gorm:"not null"`
	ExitTime  *time.Time
	Charge    *int64
	CreatedAt time.Time
}

// ParkingRepository is the SQL implementation of Store, used with postgres and sqlite.
type ParkingRepository struct {
	db *gorm.DB
}

func NewParkingRepository(db *gorm.DB) *ParkingRepository {
	return &ParkingRepository{db: db}
}

func (r *ParkingRepository) WithVehicle(ctx context.Context, plate string, fn func(tx VehicleTx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := Vehicle{
			Plate:     plate,
			Category:  string(parking.CategoryVisitor),
			CreatedAt: time.Now().UTC(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plate"}},
			DoNothing: true,
		}).Create(&candidate).Error
		if err != nil {
			return err
		}

		// Row lock held until commit; sqlite drops the clause and relies on its single writer.
		var locked Vehicle
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("plate = ?", plate).
			First(&locked).Error
		if err != nil {
			return err
		}

		return fn(&parkingTx{tx: tx, vehicle: locked.toDomain()})
	})
	return translateError(err)
}

func (r *ParkingRepository) GetVehicle(ctx context.Context, plate string) (*parking.Vehicle, error) {
	var v Vehicle
	err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&v).Error
	if err != nil {
		return nil, translateError(err)
	}
	out := v.toDomain()
	return &out, nil
}

func (r *ParkingRepository) UpdateVehicle(ctx context.Context, plate string, update parking.VehicleUpdate) (*parking.Vehicle, error) {
	var v Vehicle
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("plate = ?", plate).First(&v).Error; err != nil {
			return err
		}
		changes := map[string]interface{}{}
		if update.OwnerName != nil {
			v.OwnerName = update.OwnerName
			changes["owner_name"] = *update.OwnerName
		}
		if update.Category != nil {
			v.Category = string(*update.Category)
			changes["category"] = string(*update.Category)
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.Model(&Vehicle{}).Where("id = ?", v.ID).Updates(changes).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	out := v.toDomain()
	return &out, nil
}

func (r *ParkingRepository) CountVisits(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Visit{}).Count(&n).Error
	return n, err
}

func (r *ParkingRepository) CountOpenVisits(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Visit{}).Where("exit_time IS NULL").Count(&n).Error
	return n, err
}

func (r *ParkingRepository) ClosedVisitDurations(ctx context.Context) ([]time.Duration, error) {
	var rows []struct {
		EntryTime time.Time
		ExitTime  time.Time
	}
	err := r.db.WithContext(ctx).
		Model(&Visit{}).
		Select("entry_time, exit_time").
		Where("exit_time IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]time.Duration, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ExitTime.Sub(row.EntryTime))
	}
	return out, nil
}

func (r *ParkingRepository) TopVehicles(ctx context.Context, limit int) ([]parking.VehicleVisitCount, error) {
	var rows []struct {
		Plate      string
		VisitCount int64
	}
	query := r.db.WithContext(ctx).
		Table("visits").
		Select("vehicles.plate AS plate, COUNT(visits.id) AS visit_count").
		Joins("JOIN vehicles ON vehicles.id = visits.vehicle_id").
		Group("vehicles.plate").
		Order("visit_count DESC, plate ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]parking.VehicleVisitCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, parking.VehicleVisitCount{Plate: row.Plate, Visits: row.VisitCount})
	}
	return out, nil
}

func (r *ParkingRepository) ListVisits(ctx context.Context, filter VisitFilter) ([]parking.Visit, error) {
	query := r.db.WithContext(ctx).
		Model(&Visit{}).
		Select("visits.*, vehicles.plate AS plate").
		Joins("JOIN vehicles ON vehicles.id = visits.vehicle_id")

	if filter.Plate != "" {
		query = query.Where("vehicles.plate = ?", filter.Plate)
	}
	if filter.OpenOnly {
		query = query.Where("visits.exit_time IS NULL")
	}

	query = query.Order("visits.entry_time DESC").Order("visits.id DESC")
	query = paginate(query, filter.Limit, filter.Offset)

	var rows []Visit
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]parking.Visit, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ParkingRepository) ListBilling(ctx context.Context, filter BillingFilter) ([]parking.BillingRecord, error) {
	query := r.db.WithContext(ctx).Model(&BillingRecord{})
	if filter.Plate != "" {
		query = query.Where("plate = ?", filter.Plate)
	}
	query = query.Order("entry_time DESC").Order("id DESC")
	query = paginate(query, filter.Limit, filter.Offset)

	var rows []BillingRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]parking.BillingRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ParkingRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *ParkingRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type parkingTx struct {
	tx      *gorm.DB
	vehicle parking.Vehicle
}

func (t *parkingTx) Vehicle() parking.Vehicle {
	return t.vehicle
}

func (t *parkingTx) OpenVisit() (*parking.Visit, error) {
	var rows []Visit
	err := t.tx.
		Where("vehicle_id = ? AND exit_time IS NULL", t.vehicle.ID).
		Order("entry_time DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rows[0].Plate = t.vehicle.Plate
	v := rows[0].toDomain()
	return &v, nil
}

func (t *parkingTx) CreateVisit(visit *parking.Visit) error {
	row := Visit{
		VehicleID: t.vehicle.ID,
		EntryTime: visit.EntryTime,
		ExitTime:  visit.ExitTime,
		ImageRef:  optionalString(visit.ImageRef),
		CreatedAt: time.Now().UTC(),
	}
	if len(visit.Metadata) > 0 {
		row.Metadata = datatypes.JSONMap(visit.Metadata)
	}
	if err := t.tx.Create(&row).Error; err != nil {
		return err
	}
	visit.ID = row.ID
	visit.VehicleID = t.vehicle.ID
	visit.Plate = t.vehicle.Plate
	return nil
}

func (t *parkingTx) CloseVisit(visit *parking.Visit) error {
	if visit.ExitTime == nil {
		return errors.New("close visit: exit time not set")
	}
	res := t.tx.Model(&Visit{}).
		Where("id = ? AND exit_time IS NULL", visit.ID).
		Update("exit_time", *visit.ExitTime)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (t *parkingTx) BillingForVisit(visitID int64) (*parking.BillingRecord, error) {
	var rows []BillingRecord
	if err := t.tx.Where("visit_id = ?", visitID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	b := rows[0].toDomain()
	return &b, nil
}

func (t *parkingTx) CreateBilling(record *parking.BillingRecord) error {
	row := BillingRecord{
		VisitID:   record.VisitID,
		Plate:     record.Plate,
		EntryTime: record.EntryTime,
		ExitTime:  record.ExitTime,
		Charge:    record.Charge,
		CreatedAt: time.Now().UTC(),
	}
	if err := t.tx.Create(&row).Error; err != nil {
		return err
	}
	record.ID = row.ID
	return nil
}

func (t *parkingTx) CloseBilling(record *parking.BillingRecord) error {
	res := t.tx.Model(&BillingRecord{}).
		Where("id = ? AND exit_time IS NULL", record.ID).
		Updates(map[string]interface{}{
			"exit_time": record.ExitTime,
			"charge":    record.Charge,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (v Vehicle) toDomain() parking.Vehicle {
	out := parking.Vehicle{
		ID:        v.ID,
		Plate:     v.Plate,
		Category:  parking.Category(v.Category),
		CreatedAt: v.CreatedAt,
	}
	if v.OwnerName != nil {
		out.OwnerName = *v.OwnerName
	}
	return out
}

func (v Visit) toDomain() parking.Visit {
	out := parking.Visit{
		ID:        v.ID,
		VehicleID: v.VehicleID,
		Plate:     v.Plate,
		EntryTime: v.EntryTime,
		ExitTime:  v.ExitTime,
	}
	if v.ImageRef != nil {
		out.ImageRef = *v.ImageRef
	}
	if len(v.Metadata) > 0 {
		out.Metadata = map[string]interface{}(v.Metadata)
	}
	return out
}

func (b BillingRecord) toDomain() parking.BillingRecord {
	return parking.BillingRecord{
		ID:        b.ID,
		VisitID:   b.VisitID,
		Plate:     b.Plate,
		EntryTime: b.EntryTime,
		ExitTime:  b.ExitTime,
		Charge:    b.Charge,
	}
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		if limit > maxPageSize {
			limit = maxPageSize
		}
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Join(ErrConflict, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return errors.Join(ErrConflict, err)
		}
	}
	return err
}
