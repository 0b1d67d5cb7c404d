package catalogclient

import (
	"context"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Janitor runs periodic background maintenance over the catalog store: it
// caps the changelog's size and sweeps chunk records left behind by
// collections marked dropped. Uses robfig/cron.Cron with WithSeconds for
// its periodic jobs.
type Janitor struct {
	client          *EtcdClient
	scheduler       *cron.Cron
	changelogCap    int
	logger          *zap.Logger
}

// NewJanitor builds a Janitor. changelogCap is the number of most-recent
// changelog entries retained; older entries are pruned on each run.
func NewJanitor(client *EtcdClient, changelogCap int, logger *zap.Logger) *Janitor {
	return &Janitor{
		client:       client,
		scheduler:    cron.New(cron.WithSeconds()),
		changelogCap: changelogCap,
		logger:       logger,
	}
}

// Start schedules the janitor's jobs and begins running them. schedule is a
// standard cron expression, e.g. "0 */5 * * * *" for every five minutes.
func (j *Janitor) Start(schedule string) error {
	_, err := j.scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		j.capChangelog(ctx)
		j.sweepDroppedCollections(ctx)
	})
	if err != nil {
		return err
	}
	j.scheduler.Start()
	return nil
}

// Stop waits for any in-flight job to finish before returning.
func (j *Janitor) Stop() {
	ctx := j.scheduler.Stop()
	<-ctx.Done()
}

func (j *Janitor) capChangelog(ctx context.Context) {
	resp, err := j.client.etcd.Get(ctx, changelogPrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		j.logger.Warn("janitor: failed to list changelog", zap.Error(err))
		return
	}
	if len(resp.Kvs) <= j.changelogCap {
		return
	}

	keys := make([]string, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		keys[i] = string(kv.Key)
	}
	sort.Strings(keys)

	toDelete := keys[:len(keys)-j.changelogCap]
	for _, k := range toDelete {
		if _, err := j.client.etcd.Delete(ctx, k); err != nil {
			j.logger.Warn("janitor: failed to prune changelog entry", zap.String("key", k), zap.Error(err))
		}
	}
	j.logger.Info("janitor: capped changelog", zap.Int("pruned", len(toDelete)))
}

func (j *Janitor) sweepDroppedCollections(ctx context.Context) {
	resp, err := j.client.etcd.Get(ctx, collectionsPrefix, clientv3.WithPrefix())
	if err != nil {
		j.logger.Warn("janitor: failed to list collections", zap.Error(err))
		return
	}

	for _, kv := range resp.Kvs {
		var info CollectionInfo
		if err := unmarshalCollection(kv.Value, &info); err != nil || !info.Dropped {
			continue
		}
		chunksResp, err := j.client.etcd.Get(ctx, chunksPrefix+info.Name+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			j.logger.Warn("janitor: failed to list chunks for dropped collection", zap.String("collection", info.Name), zap.Error(err))
			continue
		}
		for _, ck := range chunksResp.Kvs {
			if _, err := j.client.etcd.Delete(ctx, string(ck.Key)); err != nil {
				j.logger.Warn("janitor: failed to sweep chunk", zap.String("key", string(ck.Key)), zap.Error(err))
			}
		}
		if len(chunksResp.Kvs) > 0 {
			j.logger.Info("janitor: swept dropped collection chunks",
				zap.String("collection", info.Name), zap.Int("count", len(chunksResp.Kvs)))
		}
	}
}
