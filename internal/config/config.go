package config

import (
	"fmt"
	"path/filepath"
	"time"
)

type Config struct {
	RepoRoot string
	Timeout  time.Duration
	LogLevel string

	// "auto" elevates docker invocations when not running as root.
	Sudo string

	// Steps downgraded to best effort on top of the built-in policy table.
	BestEffort []string

	Gitea       GiteaConfig
	Woodpecker  WoodpeckerConfig
	Bootstrap   BootstrapConfig
	ObjectStore ObjectStoreConfig
	MLflow      MLflowConfig
	Images      ImageConfig
	Cluster     ClusterConfig
	Demo        ServiceConfig
	Registry    ServiceConfig
	ArgoCD      ServiceConfig

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	PushgatewayURL string
}

type GiteaConfig struct {
	URL      string
	Port     string
	SSHPort  string
	User     string
	Password string
	Owner    string
	Repo     string
	Branch   string

	// Durable access token cache, relative to RepoRoot unless absolute.
	TokenPath      string
	AllowFakeToken bool
}

type WoodpeckerConfig struct {
	URL            string
	Port           string
	Container      string
	ComposeProject string
	DatabaseDriver string
	DatabaseDSN    string
	SQLiteImage    string
}

// Volumes lists the candidate datastore volumes, most specific first.
func (c WoodpeckerConfig) Volumes() []string {
	return []string{c.ComposeProject + "_woodpecker-data", "woodpecker-data"}
}

type BootstrapConfig struct {
	Container    string
	Image        string
	Network      string
	DockerSocket string
}

type ObjectStoreConfig struct {
	Driver    string
	URL       string
	Port      string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
}

type MLflowConfig struct {
	URL        string
	Port       string
	Experiment string
	TrainImage string
	TrainMode  string
}

type ImageConfig struct {
	// Name the cluster pulls from.
	Deploy string
	// Name the host pushes to.
	Push string
}

type ClusterConfig struct {
	Name              string
	APIPort           string
	Gateway           string
	Namespace         string
	Deployment        string
	Container         string
	KubeconfigPath    string
	KubeconfigContent string
}

type ServiceConfig struct {
	URL  string
	Port string
}

// Load resolves the configuration for a checkout rooted at repoRoot. The
// returned value is never mutated afterwards.
func Load(repoRoot, envFile string) *Config {
	if envFile == "" {
		envFile = filepath.Join(repoRoot, ".env")
	}
	env := NewResolver(envFile)
	return FromResolver(repoRoot, env)
}

func FromResolver(repoRoot string, env *Resolver) *Config {
	giteaPort := env.Get("GITEA_HTTP_PORT", "3000")
	woodpeckerPort := env.Get("WOODPECKER_SERVER_PORT", "8000")
	minioPort := env.Get("MINIO_API_PORT", "9090")
	mlflowPort := env.Get("MLFLOW_PORT", "8090")
	argoPort := env.Get("ARGOCD_PORT", "8081")

	user := env.Get("GITEA_ADMIN_USER", "gitops")

	cfg := &Config{
		RepoRoot:   repoRoot,
		Timeout:    env.Duration("E2E_TIMEOUT", 600*time.Second),
		LogLevel:   env.Get("LOG_LEVEL", "debug"),
		Sudo:       env.Get("E2E_SUDO", "auto"),
		BestEffort: env.List("E2E_BEST_EFFORT"),
		Gitea: GiteaConfig{
			URL:            env.Get("GITEA_PUBLIC_URL", "http://gitea.localhost:"+giteaPort),
			Port:           giteaPort,
			SSHPort:        env.Get("GITEA_SSH_PORT", "2222"),
			User:           user,
			Password:       env.First([]string{"GITEA_ADMIN_PASS", "GITEA_ADMIN_PASSWORD"}, "gitops1234"),
			Owner:          env.Get("GITEA_REPO_OWNER", user),
			Repo:           env.Get("GITEA_REPO", "platform"),
			Branch:         env.Get("GIT_BRANCH", "main"),
			TokenPath:      env.Get("GITEA_TOKEN_PATH", ".gitea_token"),
			AllowFakeToken: env.Bool("E2E_ALLOW_FAKE_TOKEN", false),
		},
		Woodpecker: WoodpeckerConfig{
			URL:            env.First([]string{"WOODPECKER_PUBLIC_URL", "WOODPECKER_HOST"}, "http://woodpecker.localhost:"+woodpeckerPort),
			Port:           woodpeckerPort,
			Container:      env.Get("WOODPECKER_CONTAINER", "woodpecker-server"),
			ComposeProject: env.Get("COMPOSE_PROJECT_NAME", "gitopslab"),
			DatabaseDriver: env.Get("WOODPECKER_DATABASE_DRIVER", "sqlite"),
			DatabaseDSN:    env.Get("WOODPECKER_DATABASE_DATASOURCE", ""),
			SQLiteImage:    env.Get("WOODPECKER_SQLITE_IMAGE", "nouchka/sqlite3"),
		},
		Bootstrap: BootstrapConfig{
			Container:    env.Get("BOOTSTRAP_CONTAINER", "platform-bootstrap"),
			Image:        env.Get("BOOTSTRAP_IMAGE", "gitopslab_bootstrap"),
			Network:      env.Get("BOOTSTRAP_NETWORK", "podman"),
			DockerSocket: env.Get("BOOTSTRAP_DOCKER_SOCKET", "/var/run/docker.sock"),
		},
		ObjectStore: ObjectStoreConfig{
			Driver:    env.Get("OBJECT_STORE_DRIVER", "minio"),
			URL:       env.Get("MINIO_PUBLIC_URL", "http://minio.localhost:"+minioPort),
			Port:      minioPort,
			AccessKey: env.Get("MINIO_ROOT_USER", "minioadmin"),
			SecretKey: env.Get("MINIO_ROOT_PASSWORD", "minioadmin123"),
			Region:    env.Get("AWS_REGION", "us-east-1"),
			Bucket:    env.Get("MODEL_BUCKET", "ml-models"),
		},
		MLflow: MLflowConfig{
			URL:        env.Get("MLFLOW_PUBLIC_URL", "http://mlflow.localhost:"+mlflowPort),
			Port:       mlflowPort,
			Experiment: env.Get("MLFLOW_EXPERIMENT_NAME", "hello-api-training"),
			TrainImage: env.Get("ML_TRAIN_IMAGE", "registry.localhost:5002/mlflow:lite"),
			TrainMode:  env.Get("TRAIN_MODE", "container"),
		},
		Images: ImageConfig{
			Deploy: env.Get("HELLO_API_IMAGE", "registry.localhost:5002/hello-api"),
			Push:   env.Get("HELLO_API_PUSH_IMAGE", "localhost:5002/hello-api"),
		},
		Cluster: ClusterConfig{
			Name:              env.Get("K3D_CLUSTER_NAME", "gitopslab"),
			APIPort:           env.Get("K3D_API_PORT", "6550"),
			Gateway:           env.Get("PODMAN_GATEWAY", "10.88.0.1"),
			Namespace:         env.Get("APP_NAMESPACE", "apps"),
			Deployment:        env.Get("APP_DEPLOYMENT", "hello-api"),
			Container:         env.Get("APP_CONTAINER", "hello-api"),
			KubeconfigPath:    env.Get("KUBECONFIG_PATH", ""),
			KubeconfigContent: env.Get("KUBECONFIG_CONTENT", ""),
		},
		Demo: ServiceConfig{
			URL:  env.Get("DEMO_PUBLIC_URL", "http://demo.localhost:8088"),
			Port: env.Get("DEMO_PORT", "8088"),
		},
		Registry: ServiceConfig{
			URL:  env.Get("REGISTRY_PUBLIC_URL", ""),
			Port: env.Get("REGISTRY_HTTP_PORT", "5001"),
		},
		ArgoCD: ServiceConfig{
			URL:  env.Get("ARGOCD_PUBLIC_URL", "http://localhost:"+argoPort),
			Port: argoPort,
		},
		RedisAddr:      env.Get("REDIS_ADDR", ""),
		RedisPassword:  env.Get("REDIS_PASSWORD", ""),
		RedisChannel:   env.Get("REDIS_CHANNEL", "e2e:events"),
		PushgatewayURL: env.Get("PUSHGATEWAY_URL", ""),
	}
	return cfg
}

// TokenFile returns the absolute location of the Git host token cache.
func (c *Config) TokenFile() string {
	if filepath.IsAbs(c.Gitea.TokenPath) {
		return c.Gitea.TokenPath
	}
	return filepath.Join(c.RepoRoot, c.Gitea.TokenPath)
}

// RepoFullName is "<owner>/<repo>" on the Git host.
func (c *Config) RepoFullName() string {
	return fmt.Sprintf("%s/%s", c.Gitea.Owner, c.Gitea.Repo)
}

// DeployImage is the image reference the workload should run for commit.
func (c *Config) DeployImage(commit string) string {
	return c.Images.Deploy + ":" + commit
}

func (c *Config) PushImage(commit string) string {
	return c.Images.Push + ":" + commit
}
