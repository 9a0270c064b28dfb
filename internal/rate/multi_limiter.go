package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// MultiRedisLimiter permite usar diferentes límites dinámicamente
// manteniendo el algoritmo fixed-window del RedisLimiter original. Usado
// por middleware.WithOwnerRateLimit para aplicar un segundo nivel de
// limitación (por owner_subject) encima del límite por IP de RedisLimiter,
// sin necesitar una instancia de RedisLimiter separada por cada
// combinación de límite y ventana.
type MultiRedisLimiter struct {
	client *rdb.Client
	prefix string
	mu     sync.RWMutex
	// Cache de limiters por configuración para eficiencia
	limiters map[string]*RedisLimiter
}

func NewMultiRedisLimiter(client *rdb.Client, prefix string) *MultiRedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &MultiRedisLimiter{
		client:   client,
		prefix:   prefix,
		limiters: make(map[string]*RedisLimiter),
	}
}

// AllowWithLimits implementa la interfaz MultiLimiter
func (m *MultiRedisLimiter) AllowWithLimits(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	// Generar clave única para esta configuración limit+window
	configKey := fmt.Sprintf("%d:%s", limit, window.String())

	// Buscar limiter cacheado
	m.mu.RLock()
	limiter, exists := m.limiters[configKey]
	m.mu.RUnlock()

	if !exists {
		// Crear nuevo limiter para esta configuración
		m.mu.Lock()
		// Double-check pattern para evitar race conditions
		if limiter, exists = m.limiters[configKey]; !exists {
			limiter = NewRedisLimiter(m.client, m.prefix, limit, window)
			m.limiters[configKey] = limiter
		}
		m.mu.Unlock()
	}

	// Usar el limiter específico para esta configuración
	return limiter.Allow(ctx, key)
}
