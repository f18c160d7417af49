package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"parking-tracker/internal/domain/parking"
)

var (
	vehiclesBucket       = []byte("vehicles")
	visitsBucket         = []byte("visits")
	openVisitsBucket     = []byte("open_visits")
	billingBucket        = []byte("billing")
	billingByVisitBucket = []byte("billing_by_visit")
)

// BoltStore keeps the ledger in a single BoltDB file. Vehicles are keyed by plate, visits and
// billing records by sequence id. open_visits maps a plate to its open visit id and is the
// source of truth for the one-open-visit invariant.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{vehiclesBucket, visitsBucket, openVisitsBucket, billingBucket, billingByVisitBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// WithVehicle runs fn inside a bolt write transaction. Bolt admits one writer at a time, so
// the whole decide-and-mutate sequence is exclusive.
func (s *BoltStore) WithVehicle(ctx context.Context, plate string, fn func(tx VehicleTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vehiclesBucket)

		var v parking.Vehicle
		if raw := b.Get([]byte(plate)); raw != nil {
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
		} else {
			created, err := parking.NewVehicle(plate, time.Now().UTC())
			if err != nil {
				return err
			}
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			created.ID = int64(id)
			if err := putJSON(b, []byte(plate), created); err != nil {
				return err
			}
			v = *created
		}

		return fn(&boltTx{tx: tx, vehicle: v})
	})
}

func (s *BoltStore) GetVehicle(ctx context.Context, plate string) (*parking.Vehicle, error) {
	var v parking.Vehicle
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(vehiclesBucket).Get([]byte(plate))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) UpdateVehicle(ctx context.Context, plate string, update parking.VehicleUpdate) (*parking.Vehicle, error) {
	var v parking.Vehicle
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(vehiclesBucket)
		raw := b.Get([]byte(plate))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if update.OwnerName == nil && update.Category == nil {
			return nil
		}
		if update.OwnerName != nil {
			v.OwnerName = *update.OwnerName
		}
		if update.Category != nil {
			v.Category = *update.Category
		}
		return putJSON(b, []byte(plate), v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) CountVisits(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(visitsBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *BoltStore) CountOpenVisits(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = int64(tx.Bucket(openVisitsBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *BoltStore) ClosedVisitDurations(ctx context.Context) ([]time.Duration, error) {
	out := []time.Duration{}
	err := s.forEachVisit(func(v parking.Visit) {
		if !v.Open() {
			out = append(out, v.Duration())
		}
	})
	return out, err
}

func (s *BoltStore) TopVehicles(ctx context.Context, limit int) ([]parking.VehicleVisitCount, error) {
	counts := map[string]int64{}
	if err := s.forEachVisit(func(v parking.Visit) { counts[v.Plate]++ }); err != nil {
		return nil, err
	}

	out := make([]parking.VehicleVisitCount, 0, len(counts))
	for plate, n := range counts {
		out = append(out, parking.VehicleVisitCount{Plate: plate, Visits: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Visits != out[j].Visits {
			return out[i].Visits > out[j].Visits
		}
		return out[i].Plate < out[j].Plate
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) ListVisits(ctx context.Context, filter VisitFilter) ([]parking.Visit, error) {
	out := []parking.Visit{}
	err := s.forEachVisit(func(v parking.Visit) {
		if filter.Plate != "" && v.Plate != filter.Plate {
			return
		}
		if filter.OpenOnly && !v.Open() {
			return
		}
		out = append(out, v)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.After(out[j].EntryTime)
		}
		return out[i].ID > out[j].ID
	})
	lo, hi := pageBounds(len(out), filter.Limit, filter.Offset)
	return out[lo:hi], nil
}

func (s *BoltStore) ListBilling(ctx context.Context, filter BillingFilter) ([]parking.BillingRecord, error) {
	out := []parking.BillingRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(billingBucket).ForEach(func(k, raw []byte) error {
			var b parking.BillingRecord
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			if filter.Plate == "" || b.Plate == filter.Plate {
				out = append(out, b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.After(out[j].EntryTime)
		}
		return out[i].ID > out[j].ID
	})
	lo, hi := pageBounds(len(out), filter.Limit, filter.Offset)
	return out[lo:hi], nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) forEachVisit(fn func(v parking.Visit)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(visitsBucket).ForEach(func(k, raw []byte) error {
			var v parking.Visit
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			fn(v)
			return nil
		})
	})
}

type boltTx struct {
	tx      *bolt.Tx
	vehicle parking.Vehicle
}

func (t *boltTx) Vehicle() parking.Vehicle {
	return t.vehicle
}

func (t *boltTx) OpenVisit() (*parking.Visit, error) {
	id := t.tx.Bucket(openVisitsBucket).Get([]byte(t.vehicle.Plate))
	if id == nil {
		return nil, nil
	}
	var v parking.Visit
	if err := getJSON(t.tx.Bucket(visitsBucket), id, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (t *boltTx) CreateVisit(visit *parking.Visit) error {
	open := t.tx.Bucket(openVisitsBucket)
	plate := []byte(t.vehicle.Plate)
	if visit.Open() && open.Get(plate) != nil {
		return fmt.Errorf("%w: vehicle %s already has an open visit", ErrConflict, t.vehicle.Plate)
	}

	visits := t.tx.Bucket(visitsBucket)
	seq, err := visits.NextSequence()
	if err != nil {
		return err
	}
	visit.ID = int64(seq)
	visit.VehicleID = t.vehicle.ID
	visit.Plate = t.vehicle.Plate
	if err := putJSON(visits, itob(visit.ID), visit); err != nil {
		return err
	}
	if visit.Open() {
		return open.Put(plate, itob(visit.ID))
	}
	return nil
}

func (t *boltTx) CloseVisit(visit *parking.Visit) error {
	open := t.tx.Bucket(openVisitsBucket)
	plate := []byte(t.vehicle.Plate)
	current := open.Get(plate)
	if current == nil || btoi(current) != visit.ID {
		return fmt.Errorf("%w: visit %d is not the open visit of %s", ErrConflict, visit.ID, t.vehicle.Plate)
	}
	if err := putJSON(t.tx.Bucket(visitsBucket), itob(visit.ID), visit); err != nil {
		return err
	}
	return open.Delete(plate)
}

func (t *boltTx) BillingForVisit(visitID int64) (*parking.BillingRecord, error) {
	id := t.tx.Bucket(billingByVisitBucket).Get(itob(visitID))
	if id == nil {
		return nil, nil
	}
	var b parking.BillingRecord
	if err := getJSON(t.tx.Bucket(billingBucket), id, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *boltTx) CreateBilling(record *parking.BillingRecord) error {
	byVisit := t.tx.Bucket(billingByVisitBucket)
	if byVisit.Get(itob(record.VisitID)) != nil {
		return fmt.Errorf("%w: visit %d already billed", ErrConflict, record.VisitID)
	}
	billing := t.tx.Bucket(billingBucket)
	seq, err := billing.NextSequence()
	if err != nil {
		return err
	}
	record.ID = int64(seq)
	if err := putJSON(billing, itob(record.ID), record); err != nil {
		return err
	}
	return byVisit.Put(itob(record.VisitID), itob(record.ID))
}

func (t *boltTx) CloseBilling(record *parking.BillingRecord) error {
	billing := t.tx.Bucket(billingBucket)
	var stored parking.BillingRecord
	if err := getJSON(billing, itob(record.ID), &stored); err != nil {
		return err
	}
	if !stored.Open() {
		return fmt.Errorf("%w: billing record %d already closed", ErrConflict, record.ID)
	}
	return putJSON(billing, itob(record.ID), record)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func pageBounds(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	if limit <= 0 {
		return offset, n
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	end := offset + limit
	if end > n {
		end = n
	}
	return offset, end
}
