// Package s3 实现对象存储后端 (二进制缓存形态)。
// 布局：<hashPart>.info 放元数据 (JSON)，nar/<hashPart> 放规范序列化字节流。
// 兼容 MinIO (path style)。
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"buildvault/pkg/cas"
	"buildvault/pkg/errdefs"
	"buildvault/pkg/hashing"
	"buildvault/pkg/interrupt"
	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

// Store 对象存储后端。
type Store struct {
	*store.Base
	client *awss3.Client
	bucket string
}

func init() {
	store.Register("s3", func(scheme, rest string) bool {
		return scheme == "s3"
	}, factory)
}

func factory(uri, scheme, rest string, params *store.Params, cfg *store.Config) (store.Store, error) {
	bucket := rest
	if bucket == "" {
		return nil, errdefs.Format("s3 store URI '%s' lacks a bucket", uri)
	}
	endpoint := params.Get("endpoint", "")
	region := params.Get("region", "us-east-1")
	accessKey := params.Get("access-key", "")
	secretKey := params.Get("secret-key", "")
	priority := 30
	if v := params.Get("priority", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errdefs.Format("bad priority '%s'", v)
		}
		priority = n
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// MinIO 必须 path style: http://host:9000/bucket/key
		o.UsePathStyle = true
	})

	s := &Store{client: client, bucket: bucket}
	s.Base = store.NewBase(cfg.StoreDir, uri, priority, cfg, s)
	return s, nil
}

func infoKey(hashPart string) string { return hashPart + ".info" }
func narKey(hashPart string) string  { return "nar/" + hashPart }

// infoDoc 元数据对象的 JSON 形状。
type infoDoc struct {
	StorePath  string   `json:"storePath"`
	NarHash    string   `json:"narHash"`
	NarSize    uint64   `json:"narSize"`
	References []string `json:"references,omitempty"` // 基名，含 self
	Deriver    string   `json:"deriver,omitempty"`
	CA         string   `json:"ca,omitempty"`
	Sigs       []string `json:"sigs,omitempty"`
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) || strings.Contains(err.Error(), "404") {
			return nil, errdefs.InvalidPath(key)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *Store) Connect(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		_, err = s.client.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err != nil {
			return fmt.Errorf("cannot ensure bucket '%s': %w", s.bucket, err)
		}
	}
	return nil
}

func (s *Store) QueryPathInfoUncached(ctx context.Context, p storepath.StorePath) (*store.ValidPathInfo, error) {
	if err := interrupt.Check(); err != nil {
		return nil, err
	}
	data, err := s.getObject(ctx, infoKey(p.HashPart()))
	if errdefs.IsInvalidPath(err) {
		return nil, errdefs.InvalidPath(s.Dir().Path(p))
	}
	if err != nil {
		return nil, err
	}
	var doc infoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Format("corrupt info object for '%s': %v", p.HashPart(), err)
	}
	got, err := storepath.ParseBase(doc.StorePath)
	if err != nil {
		return nil, err
	}
	info := &store.ValidPathInfo{
		Path:    got,
		NarSize: doc.NarSize,
		Sigs:    doc.Sigs,
	}
	if info.NarHash, err = hashing.ParseAny(doc.NarHash, hashing.SHA256); err != nil {
		return nil, err
	}
	if doc.Deriver != "" {
		if info.Deriver, err = storepath.ParseBase(doc.Deriver); err != nil {
			return nil, err
		}
	}
	var flat []storepath.StorePath
	for _, r := range doc.References {
		ref, err := storepath.ParseBase(r)
		if err != nil {
			return nil, err
		}
		flat = append(flat, ref)
	}
	info.SetReferencesPossiblyToSelf(flat)
	if doc.CA != "" {
		if info.CA, err = cas.Parse(doc.CA); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (s *Store) NarFromPath(ctx context.Context, p storepath.StorePath, sink io.Writer) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	data, err := s.getObject(ctx, narKey(p.HashPart()))
	if errdefs.IsInvalidPath(err) {
		return errdefs.InvalidPath(s.Dir().Path(p))
	}
	if err != nil {
		return err
	}
	_, err = sink.Write(data)
	return err
}

func (s *Store) AddToStore(ctx context.Context, info *store.ValidPathInfo, nar io.Reader, repair, checkSigs bool) error {
	if err := interrupt.Check(); err != nil {
		return err
	}
	// Head 比 Put 便宜：已存在就幂等跳过
	if !repair {
		_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(infoKey(info.Path.HashPart())),
		})
		if err == nil {
			return nil
		}
	}

	data, err := io.ReadAll(nar)
	if err != nil {
		return err
	}
	if !info.NarHash.IsZero() && !(info.CA != nil && info.HasSelfReference) {
		got := hashing.Sum(hashing.SHA256, data)
		if !got.Equal(info.NarHash) {
			return errdefs.HashMismatch(s.Dir().Path(info.Path), info.NarHash.String(), got.String())
		}
	}

	doc := infoDoc{
		StorePath: info.Path.String(),
		NarHash:   info.NarHash.String(),
		NarSize:   info.NarSize,
		CA:        cas.Render(info.CA),
		Sigs:      info.Sigs,
	}
	if !info.Deriver.IsZero() {
		doc.Deriver = info.Deriver.String()
	}
	for _, r := range info.ReferencesPossiblyToSelf() {
		doc.References = append(doc.References, r.String())
	}
	meta, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	// 先写 nar 再写 info：info 在场即视为完整
	if err := s.putObject(ctx, narKey(info.Path.HashPart()), data, "application/octet-stream"); err != nil {
		return err
	}
	if err := s.putObject(ctx, infoKey(info.Path.HashPart()), meta, "application/json"); err != nil {
		return err
	}
	s.PrimeCache(ctx, info)
	return nil
}

// QueryPathFromHashPart 直接读 info 对象取回完整路径。
func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error) {
	data, err := s.getObject(ctx, infoKey(hashPart))
	if err != nil {
		return storepath.StorePath{}, err
	}
	var doc infoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return storepath.StorePath{}, errdefs.Format("corrupt info object for '%s': %v", hashPart, err)
	}
	return storepath.ParseBase(doc.StorePath)
}
