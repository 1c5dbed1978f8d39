package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/platform/accounts-module/internal/authclient"
	"github.com/bigkaa/platform/accounts-module/internal/domain/model"
	"github.com/bigkaa/platform/accounts-module/internal/repository"
)

// fakeRepo — in-memory реализация ServiceAccountRepository.
// Инварианты уникальности те же, что в Postgres-реализации.
type fakeRepo struct {
	mu       sync.Mutex
	accounts map[string]*model.ServiceAccount // по ID
	seq      int

	failSetRole bool
	failRemove  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{accounts: make(map[string]*model.ServiceAccount)}
}

func (f *fakeRepo) CreateReserved(_ context.Context, sa *model.ServiceAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.accounts {
		if existing.Owner == sa.Owner && existing.Name == sa.Name {
			return repository.ErrConflict
		}
	}
	f.seq++
	sa.CreatedAt = time.Unix(int64(f.seq), 0).UTC()
	sa.UpdatedAt = sa.CreatedAt
	clone := *sa
	f.accounts[sa.ID] = &clone
	return nil
}

func (f *fakeRepo) SetRole(_ context.Context, id, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRole {
		return errors.New("db: запись роли не удалась")
	}
	sa, ok := f.accounts[id]
	if !ok || sa.State != model.StateActive {
		return repository.ErrNotFound
	}
	sa.Role = role
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*model.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sa, ok := f.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *sa
	return &clone, nil
}

func (f *fakeRepo) GetByName(_ context.Context, owner, name string) (*model.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sa := range f.accounts {
		if sa.Owner == owner && sa.Name == name {
			clone := *sa
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) List(_ context.Context, owner, cursor string, limit int, includePending bool) ([]*model.ServiceAccount, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.ServiceAccount
	for _, sa := range f.accounts {
		if sa.Owner != owner {
			continue
		}
		if sa.State == model.StateActive && sa.Role == "" {
			continue
		}
		if !includePending && sa.State != model.StateActive {
			continue
		}
		clone := *sa
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if cursor != "" {
		idx := sort.Search(len(result), func(i int) bool { return result[i].ID > cursor })
		result = result[idx:]
	}
	next := ""
	if len(result) > limit {
		result = result[:limit]
		next = result[len(result)-1].ID
	}
	return result, next, nil
}

func (f *fakeRepo) MarkPendingDeletion(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sa, ok := f.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	sa.State = model.StatePendingDeletion
	return nil
}

func (f *fakeRepo) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemove {
		return errors.New("db: удаление не удалось")
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeRepo) ListAbandoned(_ context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.ServiceAccount
	for _, sa := range f.accounts {
		if sa.State == model.StateActive && sa.Role == "" && sa.CreatedAt.Before(olderThan) {
			clone := *sa
			result = append(result, &clone)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (f *fakeRepo) ListStuckPending(_ context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.ServiceAccount
	for _, sa := range f.accounts {
		if sa.State == model.StatePendingDeletion && sa.UpdatedAt.Before(olderThan) {
			clone := *sa
			result = append(result, &clone)
		}
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts)
}

// fakeAuthority — in-memory Authority с инъекцией ошибок.
// Отменённый контекст трактуется как сетевой сбой, как в реальном клиенте.
type fakeAuthority struct {
	mu    sync.Mutex
	roles map[string]bool

	createCalls int
	revokeCalls int

	createErr error
	grantErr  error
	revokeErr error

	// createCommitThenErr моделирует потерянный ответ: роль фиксируется
	// на стороне Authority, но вызывающий получает ошибку.
	createCommitThenErr error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{roles: make(map[string]bool)}
}

func (f *fakeAuthority) CreateRole(ctx context.Context, name string, _ authclient.RoleScope) (*authclient.RoleRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", authclient.ErrUnavailable, err)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.roles[name] {
		return nil, fmt.Errorf("%w: роль %q уже существует", authclient.ErrRejected, name)
	}
	f.roles[name] = true
	if f.createCommitThenErr != nil {
		return nil, f.createCommitThenErr
	}
	return &authclient.RoleRef{Name: name}, nil
}

func (f *fakeAuthority) GrantToken(ctx context.Context, role, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", authclient.ErrUnavailable, err)
	}
	if f.grantErr != nil {
		return "", f.grantErr
	}
	if !f.roles[role] {
		return "", fmt.Errorf("%w: роль %q не найдена", authclient.ErrRejected, role)
	}
	return "tok-" + role, nil
}

func (f *fakeAuthority) RevokeRole(ctx context.Context, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", authclient.ErrUnavailable, err)
	}
	if f.revokeErr != nil {
		return f.revokeErr
	}
	if !f.roles[role] {
		return fmt.Errorf("%w: %q", authclient.ErrRoleNotFound, role)
	}
	delete(f.roles, role)
	return nil
}

func (f *fakeAuthority) roleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roles)
}

func newTestService(auth Authority, repo repository.ServiceAccountRepository) *AccountsService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAccountsService(auth, repo, "https://api.example.com", 2*time.Second, logger)
}

func TestCreate_RoundTrip(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, "team-a", "ci-deployer", "cluster-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Role == "" {
		t.Error("у созданного аккаунта пустая роль")
	}
	if created.State != model.StateActive {
		t.Errorf("состояние = %q, ожидалось %q", created.State, model.StateActive)
	}
	if !strings.HasPrefix(created.ID, "sa-") {
		t.Errorf("неожиданный формат ID: %q", created.ID)
	}

	// Токен — base64 JSON с токеном, кластером и URL API.
	raw, err := base64.StdEncoding.DecodeString(created.Token)
	if err != nil {
		t.Fatalf("токен не декодируется из base64: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("токен не декодируется из JSON: %v", err)
	}
	if payload["token"] == "" {
		t.Error("в токене пустое поле token")
	}
	if payload["cluster"] != "cluster-1" {
		t.Errorf("cluster = %q, ожидалось cluster-1", payload["cluster"])
	}
	if payload["url"] != "https://api.example.com" {
		t.Errorf("url = %q", payload["url"])
	}

	got, err := svc.Get(ctx, "team-a", "ci-deployer")
	if err != nil {
		t.Fatalf("Get после Create: %v", err)
	}
	if got.ID != created.ID || got.Role != created.Role {
		t.Errorf("Get вернул другой аккаунт: %+v", got)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := newTestService(newFakeAuthority(), newFakeRepo())
	ctx := context.Background()

	tests := []struct {
		testName string
		owner    string
		name     string
	}{
		{"пустой owner", "", "valid-name"},
		{"слишком короткое имя", "team-a", "a"},
		{"слишком длинное имя", "team-a", strings.Repeat("a", 64)},
		{"заглавные буквы", "team-a", "Deployer"},
		{"дефис в начале", "team-a", "-deployer"},
		{"дефис в конце", "team-a", "deployer-"},
		{"недопустимый символ", "team-a", "deploy_er"},
	}
	for _, tt := range tests {
		t.Run(tt.testName, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.owner, tt.name, "")
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ожидалась ErrValidation, получено %v", err)
			}
		})
	}
}

func TestCreate_Conflict(t *testing.T) {
	auth := newFakeAuthority()
	svc := newTestService(auth, newFakeRepo())
	ctx := context.Background()

	if _, err := svc.Create(ctx, "team-a", "deployer", ""); err != nil {
		t.Fatalf("первый Create: %v", err)
	}
	_, err := svc.Create(ctx, "team-a", "deployer", "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("ожидалась ErrConflict, получено %v", err)
	}
	// Проигравший не дошёл до Authority.
	if auth.createCalls != 1 {
		t.Errorf("CreateRole вызван %d раз, ожидался 1", auth.createCalls)
	}

	// Другой владелец может использовать то же имя.
	if _, err := svc.Create(ctx, "team-b", "deployer", ""); err != nil {
		t.Errorf("Create с другим owner: %v", err)
	}
}

func TestCreate_AuthorityUnavailable(t *testing.T) {
	auth := newFakeAuthority()
	auth.createErr = fmt.Errorf("%w: connection refused", authclient.ErrUnavailable)
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, "team-a", "deployer", "")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ожидалась ErrAuthUnavailable, получено %v", err)
	}
	// Компенсация сняла резервацию: имени не существует.
	if _, err := svc.Get(ctx, "team-a", "deployer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("после компенсации Get вернул %v, ожидалась ErrNotFound", err)
	}
	if repo.count() != 0 {
		t.Errorf("в репозитории осталось %d строк", repo.count())
	}

	// Имя свободно: после восстановления Authority создание проходит.
	auth.createErr = nil
	if _, err := svc.Create(ctx, "team-a", "deployer", ""); err != nil {
		t.Errorf("повторный Create после восстановления: %v", err)
	}
}

func TestCreate_RoleCommittedResponseLost(t *testing.T) {
	// Authority зафиксировала роль, но ответ до нас не дошёл (таймаут).
	// После снятия резервации сверке не по чему найти роль-сироту,
	// поэтому компенсация обязана отозвать её сама — иначе имя
	// заблокировано навсегда: каждый повтор получает "роль уже существует".
	auth := newFakeAuthority()
	auth.createCommitThenErr = fmt.Errorf("%w: таймаут ожидания ответа", authclient.ErrUnavailable)
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	_, err := svc.Create(ctx, "team-a", "deployer", "")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ожидалась ErrAuthUnavailable, получено %v", err)
	}
	if auth.roleCount() != 0 {
		t.Errorf("роль-сирота не отозвана, в Authority %d ролей", auth.roleCount())
	}
	if repo.count() != 0 {
		t.Errorf("в репозитории осталось %d строк", repo.count())
	}

	// Имя свободно: повторный Create проходит целиком.
	auth.createCommitThenErr = nil
	if _, err := svc.Create(ctx, "team-a", "deployer", ""); err != nil {
		t.Errorf("повторный Create после компенсации: %v", err)
	}
}

func TestCreate_CanceledAfterReservation(t *testing.T) {
	// Отмена контекста после резервации прекращает ожидание Authority,
	// но не снимает обязанность очистки: компенсация идёт до конца.
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Create(ctx, "team-a", "deployer", "")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ожидалась ErrAuthUnavailable, получено %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("резервация не снята, в репозитории %d строк", repo.count())
	}

	// Имя свободно для следующего вызова.
	if _, err := svc.Create(context.Background(), "team-a", "deployer", ""); err != nil {
		t.Errorf("Create после отменённого вызова: %v", err)
	}
}

func TestCreate_GrantFails(t *testing.T) {
	auth := newFakeAuthority()
	auth.grantErr = fmt.Errorf("%w: политика запрещает выпуск токена", authclient.ErrRejected)
	repo := newFakeRepo()
	svc := newTestService(auth, repo)

	_, err := svc.Create(context.Background(), "team-a", "deployer", "")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("ожидалась ErrAuthRejected, получено %v", err)
	}
	// Компенсация отозвала уже созданную роль и сняла резервацию.
	if auth.roleCount() != 0 {
		t.Errorf("в Authority осталось %d ролей", auth.roleCount())
	}
	if repo.count() != 0 {
		t.Errorf("в репозитории осталось %d строк", repo.count())
	}
}

func TestCreate_SetRoleFails(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	repo.failSetRole = true
	svc := newTestService(auth, repo)

	_, err := svc.Create(context.Background(), "team-a", "deployer", "")
	if err == nil {
		t.Fatal("ожидалась ошибка")
	}
	if auth.roleCount() != 0 {
		t.Errorf("в Authority осталось %d ролей", auth.roleCount())
	}
	if repo.count() != 0 {
		t.Errorf("в репозитории осталось %d строк", repo.count())
	}
}

func TestCreate_CompensationFailure(t *testing.T) {
	auth := newFakeAuthority()
	auth.grantErr = fmt.Errorf("%w: таймаут", authclient.ErrUnavailable)
	repo := newFakeRepo()
	repo.failRemove = true
	svc := newTestService(auth, repo)

	_, err := svc.Create(context.Background(), "team-a", "deployer", "")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ожидалась ErrAuthUnavailable, получено %v", err)
	}
	// Строка осталась брошенной резервацией — её доберёт сверка.
	repo.failRemove = false
	abandoned, err := repo.ListAbandoned(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(abandoned) != 1 {
		t.Errorf("брошенных резерваций %d, ожидалась 1", len(abandoned))
	}
}

func TestCreate_Concurrent(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), "team-a", "deployer", "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Errorf("неожиданная ошибка: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("успешных Create %d, ожидался ровно 1", ok)
	}
	if conflicts != workers-1 {
		t.Errorf("конфликтов %d, ожидалось %d", conflicts, workers-1)
	}
	// Authority видел ровно один запрос на создание роли.
	if auth.createCalls != 1 {
		t.Errorf("CreateRole вызван %d раз, ожидался 1", auth.createCalls)
	}
}

func TestGet_HidesReservation(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(newFakeAuthority(), repo)
	ctx := context.Background()

	// Резервация без роли — снаружи аккаунта ещё нет.
	sa := &model.ServiceAccount{ID: "sa-1", Name: "deployer", Owner: "team-a", State: model.StateActive}
	if err := repo.CreateReserved(ctx, sa); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, "team-a", "deployer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get по резервации вернул %v, ожидалась ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("acc-%d", i)
		if _, err := svc.Create(ctx, "team-a", name, ""); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if _, err := svc.Create(ctx, "team-b", "other", ""); err != nil {
		t.Fatal(err)
	}

	page, _, err := svc.List(ctx, "team-a", "", 0, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 5 {
		t.Errorf("в списке %d аккаунтов, ожидалось 5", len(page))
	}
	for _, sa := range page {
		if sa.Owner != "team-a" {
			t.Errorf("в списке чужой аккаунт: %+v", sa)
		}
		if sa.Role == "" {
			t.Errorf("у аккаунта %s пустая роль", sa.Name)
		}
	}

	if _, _, err := svc.List(ctx, "", "", 0, false); !errors.Is(err, ErrValidation) {
		t.Errorf("List без owner вернул %v, ожидалась ErrValidation", err)
	}
}

func TestDelete(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "team-a", "deployer", ""); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, "team-a", "deployer"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if auth.roleCount() != 0 {
		t.Errorf("роль не отозвана, в Authority %d ролей", auth.roleCount())
	}
	if _, err := svc.Get(ctx, "team-a", "deployer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get после Delete вернул %v", err)
	}

	// Повторный Delete — NotFound.
	if err := svc.Delete(ctx, "team-a", "deployer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete вернул %v, ожидалась ErrNotFound", err)
	}
}

func TestDelete_RoleAlreadyGone(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, "team-a", "deployer", "")
	if err != nil {
		t.Fatal(err)
	}
	// Роль отозвана вне модуля — удаление всё равно успешно.
	if err := auth.RevokeRole(ctx, created.Role); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "team-a", "deployer"); err != nil {
		t.Fatalf("Delete при отсутствующей роли: %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("строка не удалена")
	}
}

func TestDelete_AuthorityUnavailable(t *testing.T) {
	auth := newFakeAuthority()
	repo := newFakeRepo()
	svc := newTestService(auth, repo)
	ctx := context.Background()

	created, err := svc.Create(ctx, "team-a", "deployer", "")
	if err != nil {
		t.Fatal(err)
	}

	auth.revokeErr = fmt.Errorf("%w: 503", authclient.ErrUnavailable)
	if err := svc.Delete(ctx, "team-a", "deployer"); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("ожидалась ErrAuthUnavailable, получено %v", err)
	}

	// Строка осталась в pending_deletion и скрыта из обычного списка.
	sa, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sa.State != model.StatePendingDeletion {
		t.Errorf("состояние = %q, ожидалось pending_deletion", sa.State)
	}
	page, _, err := svc.List(ctx, "team-a", "", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Errorf("pending_deletion-аккаунт виден в списке")
	}

	// После восстановления Authority повторный Delete завершает удаление.
	auth.revokeErr = nil
	if err := svc.Delete(ctx, "team-a", "deployer"); err != nil {
		t.Fatalf("повторный Delete: %v", err)
	}
	if repo.count() != 0 {
		t.Errorf("строка не удалена после повторного Delete")
	}
}
