package models

import (
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"motionweaver-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/motionweaver.sql）
	b, err := os.ReadFile("doc/sql/motionweaver.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// Project CRUD
func CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := DB.Exec(
		`INSERT INTO project (id, title, logline, world_outline, full_script, final_video_path, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Logline, p.WorldOutline, p.FullScript, p.FinalVideoPath, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func GetProjectByID(id string) (Project, error) {
	var p Project
	row := DB.QueryRow(`SELECT id, title, logline, world_outline, full_script, final_video_path, status, created_at, updated_at FROM project WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Title, &p.Logline, &p.WorldOutline, &p.FullScript, &p.FinalVideoPath, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func ListProjects() ([]Project, error) {
	rows, err := DB.Query(`SELECT id, title, logline, world_outline, full_script, final_video_path, status, created_at, updated_at FROM project ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Logline, &p.WorldOutline, &p.FullScript, &p.FinalVideoPath, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectFields 动态构建更新语句，只更新非空字段
func UpdateProjectFields(id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	sets := []string{}
	args := []interface{}{}
	for col, v := range fields {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now(), id)
	query := "UPDATE project SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	_, err := DB.Exec(query, args...)
	return err
}

func UpdateProjectStatus(id string, status string) error {
	_, err := DB.Exec(`UPDATE project SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

func DeleteProjectByID(id string) error {
	_, err := DB.Exec(`DELETE FROM project WHERE id = ?`, id)
	return err
}

// Episode CRUD
func BatchCreateEpisodes(db *gorm.DB, episodes []Episode) error {
	if len(episodes) == 0 {
		return nil
	}
	return db.Create(&episodes).Error
}

func GetEpisodeByIDGorm(db *gorm.DB, episodeID string) (*Episode, error) {
	var ep Episode
	if err := db.First(&ep, "id = ?", episodeID).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

func GetEpisodesByProjectID(db *gorm.DB, projectID string) ([]Episode, error) {
	var eps []Episode
	err := db.Where("project_id = ?", projectID).Order("episode_number ASC").Find(&eps).Error
	return eps, err
}

func CountEpisodeScenes(db *gorm.DB, episodeID string) (int64, error) {
	var n int64
	err := db.Model(&Scene{}).Where("episode_id = ?", episodeID).Count(&n).Error
	return n, err
}

func UpdateEpisodeStatus(db *gorm.DB, episodeID, status string) error {
	return db.Model(&Episode{}).Where("id = ?", episodeID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

// Task helpers（落库走 GORM，Valuer/Scanner 处理 JSON 列）
func CreateTask(db *gorm.DB, t *Task) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return db.Create(t).Error
}

func GetTasksByProjectID(db *gorm.DB, projectID string, status string) ([]Task, error) {
	var tasks []Task
	q := db.Where("project_id = ?", projectID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at DESC").Find(&tasks).Error
	return tasks, err
}
