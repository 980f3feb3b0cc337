package redisx

import (
	"fmt"
	"time"
)

const (
	// order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// order_status_gen:{order_id} -> counter bumped on every invalidation
	KeyOrderStatusGen = "order_status_gen:%s"

	// dedup:{consumer}:{id}, id = event id
	KeyDedup = "dedup:%s:%s"

	// lease:{name} -> holder id
	KeyLease = "lease:%s"
)

var (
	TTLStatusCache    = 5 * time.Minute
	TTLStatusCacheGen = time.Hour
	TTLDedup          = 48 * time.Hour
)

func OrderStatusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }

func OrderStatusGenKey(orderID string) string { return fmt.Sprintf(KeyOrderStatusGen, orderID) }

func DedupKey(consumer, id string) string { return fmt.Sprintf(KeyDedup, consumer, id) }

func LeaseKey(name string) string { return fmt.Sprintf(KeyLease, name) }
