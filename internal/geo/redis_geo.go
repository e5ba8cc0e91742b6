package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// upsertScript applies a driver record unless the stored one is newer.
// KEYS: geo set, meta hash, seq counter. ARGV: updated (unix micros), lon, lat, id,
// online, busy, name, vehicle, plate, phone, rating.
var upsertScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], 'updated')
if prev and tonumber(prev) > tonumber(ARGV[1]) then
  return 0
end
local seq = redis.call('HGET', KEYS[2], 'seq')
if not seq then
  seq = redis.call('INCR', KEYS[3])
end
redis.call('GEOADD', KEYS[1], ARGV[2], ARGV[3], ARGV[4])
redis.call('HSET', KEYS[2], 'updated', ARGV[1], 'seq', seq, 'lon', ARGV[2], 'lat', ARGV[3],
  'online', ARGV[5], 'busy', ARGV[6], 'name', ARGV[7], 'vehicle', ARGV[8], 'plate', ARGV[9],
  'phone', ARGV[10], 'rating', ARGV[11])
redis.call('PERSIST', KEYS[2])
return 1
`)

// removeScript drops the driver from the geo set and leaves an offline tombstone
// so a delayed projection of an older update cannot resurrect it. A removal
// older than the stored record is ignored.
// KEYS: geo set, meta hash. ARGV: id, removed at (unix micros), tombstone ttl.
var removeScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[2], 'updated')
if prev and tonumber(prev) > tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'online', '0', 'busy', '0', 'updated', ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

const tombstoneTTL = time.Hour

// RedisIndex implements Index using Redis GEO commands plus a metadata hash per
// driver. Hashes live under the geo key, so several indexes can share one Redis.
type RedisIndex struct {
	client   *redis.Client
	key      string
	radiusKm float64
	now      func() time.Time
}

func NewRedisIndex(client *redis.Client, key string, radiusKm float64) *RedisIndex {
	if radiusKm <= 0 {
		radiusKm = 10
	}
	return &RedisIndex{client: client, key: key, radiusKm: radiusKm, now: time.Now}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.DriverLocation) error {
	if d.LastUpdatedAt.IsZero() {
		d.LastUpdatedAt = r.now()
	}
	keys := []string{r.key, r.metaKey(d.DriverID), r.key + ":seq"}
	err := upsertScript.Run(ctx, r.client, keys,
		strconv.FormatInt(d.LastUpdatedAt.UnixMicro(), 10),
		formatFloat(d.Position.Lon), formatFloat(d.Position.Lat), d.DriverID,
		flag(d.IsOnline), flag(d.IsBusy),
		d.Meta.Name, d.Meta.Vehicle, d.Meta.Plate, d.Meta.Phone, formatFloat(d.Meta.Rating),
	).Err()
	return apperr.Upstream("geo.RedisIndex.Upsert", err)
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	keys := []string{r.key, r.metaKey(driverID)}
	err := removeScript.Run(ctx, r.client, keys,
		driverID, strconv.FormatInt(at.UnixMicro(), 10), int(tombstoneTTL.Seconds()),
	).Err()
	return apperr.Upstream("geo.RedisIndex.Remove", err)
}

func (r *RedisIndex) Nearest(ctx context.Context, p models.Coord, excluding map[string]struct{}) (models.DriverLocation, bool, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius: r.radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return models.DriverLocation{}, false, apperr.Upstream("geo.RedisIndex.Nearest", err)
	}
	if len(res) == 0 {
		return models.DriverLocation{}, false, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, 0, len(res))
	for _, g := range res {
		metas = append(metas, pipe.HGetAll(ctx, r.metaKey(g.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.DriverLocation{}, false, apperr.Upstream("geo.RedisIndex.Nearest", err)
	}

	cands := make([]candidate, 0, len(res))
	for i, g := range res {
		m := metas[i].Val()
		if len(m) == 0 {
			continue
		}
		d := parseMeta(g.Name, m)
		if d.Position == (models.Coord{}) {
			d.Position = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		}
		cands = append(cands, candidate{d: d, dist: Haversine(p, d.Position)})
	}
	best, ok := pickNearest(cands, excluding)
	return best.d, ok, nil
}

// Get returns the stored record of one driver.
func (r *RedisIndex) Get(ctx context.Context, driverID string) (models.DriverLocation, bool, error) {
	m, err := r.client.HGetAll(ctx, r.metaKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, false, apperr.Upstream("geo.RedisIndex.Get", err)
	}
	if len(m) == 0 {
		return models.DriverLocation{}, false, nil
	}
	return parseMeta(driverID, m), true, nil
}

func (r *RedisIndex) metaKey(id string) string { return r.key + ":meta:" + id }

func parseMeta(id string, m map[string]string) models.DriverLocation {
	d := models.DriverLocation{
		DriverID: id,
		IsOnline: m["online"] == "1",
		IsBusy:   m["busy"] == "1",
		Meta: models.DriverMeta{
			Name:    m["name"],
			Vehicle: m["vehicle"],
			Plate:   m["plate"],
			Phone:   m["phone"],
		},
	}
	d.Meta.Rating, _ = strconv.ParseFloat(m["rating"], 64)
	d.Position.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	d.Position.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	d.Seq, _ = strconv.ParseInt(m["seq"], 10, 64)
	if us, err := strconv.ParseInt(m["updated"], 10, 64); err == nil {
		d.LastUpdatedAt = time.UnixMicro(us).UTC()
	}
	return d
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
