// Package index implements the indexing service: walking repositories,
// parsing files, and writing the resulting nodes and edges through the
// unified store. Jobs are queued FIFO and consumed one at a time; files
// within a job are processed by a worker pool.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spetr/repograph/internal/config"
	"github.com/spetr/repograph/internal/parser"
	"github.com/spetr/repograph/internal/store"
	"github.com/spetr/repograph/pkg/provider"
	"github.com/spetr/repograph/pkg/types"
)

// Service queues and runs indexing jobs.
type Service struct {
	store   *store.Unified
	parsers []provider.Parser
	cfg     config.IndexConfig
	logger  *slog.Logger

	queue chan string // job ids, FIFO

	mu       sync.Mutex
	jobs     map[string]*types.IndexJob
	queued   map[string]string // repo path -> job id not yet picked up
	running  map[string]string // repo path -> job id currently running
	cancels  map[string]context.CancelFunc
	statuses map[string]*types.SyncStatus

	wg sync.WaitGroup
}

// NewService creates an indexing service. Start must be called before jobs
// are consumed.
func NewService(st *store.Unified, parsers []provider.Parser, cfg config.IndexConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Service{
		store:    st,
		parsers:  parsers,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan string, queueSize),
		jobs:     map[string]*types.IndexJob{},
		queued:   map[string]string{},
		running:  map[string]string{},
		cancels:  map[string]context.CancelFunc{},
		statuses: map[string]*types.SyncStatus{},
	}
}

// Start launches the job consumer. It returns immediately; jobs run until
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case jobID := <-s.queue:
				s.consume(ctx, jobID)
			}
		}
	}()
}

// Stop waits for the consumer to exit. Call after cancelling the Start
// context.
func (s *Service) Stop() {
	s.wg.Wait()
}

// Enqueue schedules a repository for indexing. A repository with a job
// already queued or running is coalesced onto that job instead of queuing a
// second run; force upgrades a still-queued job.
func (s *Service) Enqueue(repoPath string, force bool) (*types.IndexJob, error) {
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", types.ErrInvalidArgument, repoPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if jobID, ok := s.queued[repoPath]; ok {
		job := s.jobs[jobID]
		if force {
			job.Force = true
		}
		return snapshotJob(job), nil
	}
	if jobID, ok := s.running[repoPath]; ok {
		return snapshotJob(s.jobs[jobID]), nil
	}

	job := &types.IndexJob{
		ID:         uuid.NewString(),
		RepoPath:   repoPath,
		Force:      force,
		State:      types.JobQueued,
		EnqueuedAt: time.Now().UTC(),
	}

	select {
	case s.queue <- job.ID:
	default:
		return nil, fmt.Errorf("%w: indexing queue full", types.ErrBackendUnavailable)
	}

	s.jobs[job.ID] = job
	s.queued[repoPath] = job.ID
	s.statusLocked(repoPath).State = types.SyncQueued

	s.logger.Info("indexing job queued", "job", job.ID, "repo", repoPath, "force", force)
	return snapshotJob(job), nil
}

// Job returns a job by id.
func (s *Service) Job(id string) (*types.IndexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
	}
	return snapshotJob(job), nil
}

// Status returns the sync status of a repository.
func (s *Service) Status(repoPath string) (*types.SyncStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[repoPath]
	if !ok {
		return nil, fmt.Errorf("%w: repo %s never indexed", types.ErrNotFound, repoPath)
	}
	c := *status
	return &c, nil
}

// Statuses returns the sync status of every known repository.
func (s *Service) Statuses() []*types.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.SyncStatus, 0, len(s.statuses))
	for _, status := range s.statuses {
		c := *status
		out = append(out, &c)
	}
	return out
}

// Cancel stops a job. Queued jobs are cancelled in place; running jobs stop
// at the next file boundary. Terminal jobs are left untouched.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", types.ErrNotFound, jobID)
	}
	if job.State.Terminal() {
		return nil
	}

	if cancel, ok := s.cancels[jobID]; ok {
		cancel()
		return nil
	}

	// Still queued: mark terminal, the consumer will skip it.
	job.State = types.JobCancelled
	now := time.Now().UTC()
	job.FinishedAt = &now
	delete(s.queued, job.RepoPath)
	s.statusLocked(job.RepoPath).State = types.SyncCancelled
	return nil
}

// statusLocked returns the status record for a repo, creating it if needed.
// Caller holds s.mu.
func (s *Service) statusLocked(repoPath string) *types.SyncStatus {
	status, ok := s.statuses[repoPath]
	if !ok {
		status = &types.SyncStatus{RepoPath: repoPath, State: types.SyncIdle}
		s.statuses[repoPath] = status
	}
	return status
}

func snapshotJob(job *types.IndexJob) *types.IndexJob {
	c := *job
	c.Warnings = append([]string(nil), job.Warnings...)
	return &c
}

// consume runs one queued job to completion.
func (s *Service) consume(ctx context.Context, jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.State != types.JobQueued {
		s.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	job.State = types.JobRunning
	job.StartedAt = &now
	delete(s.queued, job.RepoPath)
	s.running[job.RepoPath] = jobID
	s.cancels[jobID] = cancel
	s.statusLocked(job.RepoPath).State = types.SyncRunning
	repoPath, force := job.RepoPath, job.Force
	s.mu.Unlock()

	defer cancel()

	warnings, runErr := s.runJob(jobCtx, repoPath, force)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, jobID)
	delete(s.running, repoPath)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.Warnings = warnings

	status := s.statusLocked(repoPath)
	status.Warnings = len(warnings)

	switch {
	case jobCtx.Err() != nil:
		job.State = types.JobCancelled
		status.State = types.SyncCancelled
	case runErr != nil:
		job.State = types.JobFailed
		job.Error = runErr.Error()
		status.State = types.SyncFailed
		status.Error = runErr.Error()
	case len(warnings) > 0:
		job.State = types.JobPartiallyCompleted
		status.State = types.SyncPartiallyCompleted
	default:
		job.State = types.JobCompleted
		status.State = types.SyncCompleted
	}

	if runErr == nil {
		status.LastIndexedAt = &finished
		status.Error = ""
		if nodes, edges, err := s.store.Stats(context.Background(), repoPath); err == nil {
			status.NodeCount = nodes
			status.EdgeCount = edges
		}
	}

	s.logger.Info("indexing job finished",
		"job", jobID, "repo", repoPath, "state", job.State,
		"warnings", len(warnings), "error", runErr)
}

// candidate is a relationship found during parsing, resolved after the walk
// once every node of the run is known.
type candidate struct {
	kind     types.RelKind
	fromPath string // node path within the repo (may carry a #name suffix)
	filePath string // file the candidate was found in
	target   string
}

type fileResult struct {
	entityPaths map[string][]string // entity name -> node paths
	candidates  []candidate
	warnings    []string
}

// runJob indexes one repository. With force, every file is re-parsed and
// re-stored regardless of its content hash; nothing is deleted.
func (s *Service) runJob(ctx context.Context, repoPath string, force bool) ([]string, error) {
	start := time.Now()

	files, err := walkRepo(repoPath, s.cfg.Exclude, s.cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", repoPath, err)
	}
	s.logger.Info("indexing repository", "repo", repoPath, "files", len(files))

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(files) && len(files) > 0 {
		workers = len(files)
	}

	fileCh := make(chan FileEntry, len(files))
	resultCh := make(chan fileResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range fileCh {
				if ctx.Err() != nil {
					return
				}
				resultCh <- s.indexFile(ctx, repoPath, file, force)
			}
		}()
	}

	for _, file := range files {
		fileCh <- file
	}
	close(fileCh)
	wg.Wait()
	close(resultCh)

	var warnings []string
	var candidates []candidate
	entityPaths := map[string][]string{}
	for res := range resultCh {
		warnings = append(warnings, res.warnings...)
		candidates = append(candidates, res.candidates...)
		for name, paths := range res.entityPaths {
			entityPaths[name] = append(entityPaths[name], paths...)
		}
	}

	if ctx.Err() != nil {
		return warnings, nil
	}

	if err := s.linkDirectories(ctx, repoPath, files); err != nil {
		warnings = append(warnings, fmt.Sprintf("directory linking: %v", err))
	}

	dropped := s.resolveCandidates(ctx, repoPath, candidates, entityPaths)
	if dropped > 0 {
		s.logger.Debug("unresolved references dropped", "repo", repoPath, "count", dropped)
	}

	if n, err := s.store.RetryPendingEmbeddings(ctx, repoPath, 1000); err != nil {
		warnings = append(warnings, fmt.Sprintf("embedding reconciliation: %v", err))
	} else if n > 0 {
		s.logger.Info("reconciled pending embeddings", "repo", repoPath, "count", n)
	}

	s.logger.Info("repository indexed",
		"repo", repoPath, "files", len(files), "duration", time.Since(start))
	return warnings, nil
}

// indexFile parses one file and stores its nodes and intra-file edges.
func (s *Service) indexFile(ctx context.Context, repoPath string, file FileEntry, force bool) fileResult {
	res := fileResult{entityPaths: map[string][]string{}}

	putNode := s.store.StoreNode
	if force {
		putNode = s.store.ForceStoreNode
	}

	content, err := os.ReadFile(file.AbsPath)
	if err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", file.Path, err))
		return res
	}

	fileNode := &types.Node{
		Type: types.NodeTypeFile,
		Repo: repoPath,
		Path: file.Path,
		Name: path.Base(file.Path),
	}

	var parsed *types.ParseResult
	if !isBinary(content) {
		p := parser.Select(s.parsers, file.Path)
		if p != nil {
			parsed, err = p.Parse(content, file.Path)
			if err != nil {
				// A broken file is still indexed as an opaque node; the
				// failure becomes a job warning.
				res.warnings = append(res.warnings, err.Error())
				parsed = nil
			}
		}
		fileNode.Content = string(content)
	}

	if parsed != nil {
		res.warnings = append(res.warnings, parsed.Warnings...)
		fileNode.Metadata = map[string]string{"language": parsed.Language}
		if parsed.Language == "markdown" {
			fileNode.Type = types.NodeTypeDocument
		}
	}

	if err := putNode(ctx, fileNode); err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", file.Path, err))
		return res
	}

	if parsed == nil {
		return res
	}

	// Entity nodes, contained by their parent entity or the file.
	pathByName := map[string]string{}
	for _, entity := range parsed.Entities {
		nodePath := file.Path + "#" + entity.Name
		pathByName[entity.Name] = nodePath
	}

	for _, entity := range parsed.Entities {
		nodePath := pathByName[entity.Name]
		node := &types.Node{
			Type:     entity.Kind.NodeType(),
			Repo:     repoPath,
			Path:     nodePath,
			Name:     entity.Name,
			Content:  entity.Content,
			Metadata: entityMetadata(entity),
		}
		if err := putNode(ctx, node); err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", nodePath, err))
			continue
		}
		res.entityPaths[entity.Name] = append(res.entityPaths[entity.Name], nodePath)

		containerPath := file.Path
		if entity.Parent != "" {
			if p, ok := pathByName[entity.Parent]; ok {
				containerPath = p
			}
		}
		err := s.store.CreateEdge(ctx, &types.Edge{
			FromID:   types.NodeID(repoPath, containerPath),
			ToID:     node.ID,
			Relation: types.RelationContains,
		})
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", nodePath, err))
		}
	}

	for _, rel := range parsed.Relationships {
		fromPath := file.Path
		if rel.From != "" {
			if p, ok := pathByName[rel.From]; ok {
				fromPath = p
			}
		}
		res.candidates = append(res.candidates, candidate{
			kind:     rel.Kind,
			fromPath: fromPath,
			filePath: file.Path,
			target:   rel.Target,
		})
	}
	return res
}

func entityMetadata(entity types.Entity) map[string]string {
	meta := map[string]string{}
	for k, v := range entity.Metadata {
		meta[k] = v
	}
	if entity.Doc != "" {
		meta["doc"] = entity.Doc
	}
	if entity.StartLine > 0 {
		meta["start_line"] = strconv.Itoa(entity.StartLine)
		meta["end_line"] = strconv.Itoa(entity.EndLine)
	}
	if len(meta) > types.MaxMetadataEntries {
		return map[string]string{"doc": entity.Doc}
	}
	return meta
}

// linkDirectories creates DIRECTORY nodes and containment edges for every
// ancestor of the indexed files.
func (s *Service) linkDirectories(ctx context.Context, repoPath string, files []FileEntry) error {
	done := map[string]bool{}
	for _, file := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		childPath := file.Path
		for {
			dir := path.Dir(childPath)
			if dir == "." || dir == "/" {
				break
			}
			if !done[dir] {
				node := &types.Node{
					Type: types.NodeTypeDirectory,
					Repo: repoPath,
					Path: dir,
					Name: path.Base(dir),
				}
				if err := s.store.StoreNode(ctx, node); err != nil {
					return err
				}
				done[dir] = true
			}
			err := s.store.CreateEdge(ctx, &types.Edge{
				FromID:   types.NodeID(repoPath, dir),
				ToID:     types.NodeID(repoPath, childPath),
				Relation: types.RelationContains,
			})
			if err != nil {
				return err
			}
			childPath = dir
		}
	}
	return nil
}

// resolveCandidates turns relationship candidates into edges now that every
// node of the run exists. Unresolvable targets are dropped; returns how
// many were.
func (s *Service) resolveCandidates(ctx context.Context, repoPath string, candidates []candidate, entityPaths map[string][]string) int {
	dropped := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return dropped
		}
		targetPath, relation := s.resolveTarget(ctx, repoPath, c, entityPaths)
		if targetPath == "" {
			dropped++
			continue
		}
		fromID := types.NodeID(repoPath, c.fromPath)
		toID := types.NodeID(repoPath, targetPath)
		if fromID == toID {
			continue
		}
		err := s.store.CreateEdge(ctx, &types.Edge{
			FromID:   fromID,
			ToID:     toID,
			Relation: relation,
		})
		if err != nil {
			dropped++
		}
	}
	return dropped
}

// resolveTarget maps a candidate's textual target onto a node path.
func (s *Service) resolveTarget(ctx context.Context, repoPath string, c candidate, entityPaths map[string][]string) (string, types.RelationType) {
	exists := func(nodePath string) bool {
		_, err := s.store.GetNode(ctx, types.NodeID(repoPath, nodePath))
		return err == nil
	}

	switch c.kind {
	case types.RelImport:
		for _, p := range importCandidates(c.target) {
			if exists(p) {
				return p, types.RelationImports
			}
		}

	case types.RelCall:
		// Prefer an entity in the same file, then any unambiguous match.
		samePath := c.filePath + "#" + c.target
		if exists(samePath) {
			return samePath, types.RelationCalls
		}
		if paths := entityPaths[c.target]; len(paths) == 1 {
			return paths[0], types.RelationCalls
		}

	case types.RelLink:
		target := strings.SplitN(c.target, "#", 2)[0]
		if target != "" && exists(target) {
			return target, types.RelationRelatesTo
		}
		// Section links resolve within the same file, then globally.
		samePath := c.filePath + "#" + c.target
		if exists(samePath) {
			return samePath, types.RelationRelatesTo
		}
		if paths := entityPaths[c.target]; len(paths) == 1 {
			return paths[0], types.RelationRelatesTo
		}
	}
	return "", ""
}

// importCandidates lists the repo-relative paths an import string may refer
// to.
func importCandidates(target string) []string {
	out := []string{target}
	if !strings.Contains(target, "/") {
		out = append(out, target+".py", target+".go")
	}
	dotted := strings.ReplaceAll(target, ".", "/")
	if dotted != target {
		out = append(out, dotted+".py", dotted+"/__init__.py")
	}
	return out
}
