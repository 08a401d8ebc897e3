package config

import "time"

// DeployerConfig holds runtime configuration for a deployment run.
type DeployerConfig struct {
	DefaultBranch     string
	Workdir           string
	LogDir            string
	StagingDir        string
	ImageName         string
	ContainerName     string
	SSHPort           int
	KnownHostsPath    string
	DockerSocket      string
	NginxSitePath     string
	NginxEnabledPath  string
	SettleDelay       time.Duration
	SSHConnectTimeout time.Duration
	GitTimeout        time.Duration
	BuildTimeout      time.Duration
	RemoteTimeout     time.Duration
	ProbeTimeout      time.Duration
}

// LoadDeployerConfig constructs a DeployerConfig from environment variables.
func LoadDeployerConfig() DeployerConfig {
	return DeployerConfig{
		DefaultBranch:     GetString("DEPLOY_DEFAULT_BRANCH", "main"),
		Workdir:           GetString("DEPLOY_WORKDIR", "."),
		LogDir:            GetString("DEPLOY_LOG_DIR", "."),
		StagingDir:        GetString("DEPLOY_STAGING_DIR", "/opt/fastapi-app"),
		ImageName:         GetString("DEPLOY_IMAGE_NAME", "fastapi-app"),
		ContainerName:     GetString("DEPLOY_CONTAINER_NAME", "fastapi-container"),
		SSHPort:           GetInt("DEPLOY_SSH_PORT", 22),
		KnownHostsPath:    GetString("DEPLOY_KNOWN_HOSTS", "~/.ssh/known_hosts"),
		DockerSocket:      GetString("DEPLOY_DOCKER_SOCKET", "/var/run/docker.sock"),
		NginxSitePath:     GetString("DEPLOY_NGINX_SITE_PATH", "/etc/nginx/sites-available/fastapi_app"),
		NginxEnabledPath:  GetString("DEPLOY_NGINX_ENABLED_PATH", "/etc/nginx/sites-enabled/fastapi_app"),
		SettleDelay:       GetSeconds("DEPLOY_SETTLE_SECONDS", 10),
		SSHConnectTimeout: GetSeconds("DEPLOY_SSH_TIMEOUT_SECONDS", 10),
		GitTimeout:        GetSeconds("GIT_TIMEOUT_SECONDS", 120),
		BuildTimeout:      GetSeconds("BUILD_TIMEOUT_SECONDS", 900),
		RemoteTimeout:     GetSeconds("DEPLOY_REMOTE_TIMEOUT_SECONDS", 0),
		ProbeTimeout:      GetSeconds("DEPLOY_PROBE_TIMEOUT_SECONDS", 10),
	}
}
